package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

func readToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// watchToken kills the current child whenever the token file's contents
// differ from the token it was spawned with. The parent directory is watched
// rather than the file so atomic replacement (rename over, symlink swap) is
// observed too.
func (s *Supervisor) watchToken(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.WarnContext(ctx, "mcp.token.watch.unavailable", slog.String("err", err.Error()))
		return
	}
	defer func() {
		_ = w.Close()
	}()

	if err := w.Add(filepath.Dir(s.tokenFile)); err != nil {
		s.log.WarnContext(ctx, "mcp.token.watch.fail", slog.String("err", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events:
			if !ok {
				return
			}
			s.checkToken(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.DebugContext(ctx, "mcp.token.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (s *Supervisor) checkToken(ctx context.Context) {
	token, err := readToken(s.tokenFile)
	if err != nil || token == "" {
		// Mid-replacement; a later event will carry the new contents.
		return
	}

	s.mu.Lock()
	proc := s.cur
	changed := proc != nil && token != s.spawnedToken
	s.mu.Unlock()
	if !changed {
		return
	}

	s.log.InfoContext(ctx, "mcp.token.changed", slog.Int("pid", proc.p.PID()))
	_ = proc.p.Kill()
}
