package ui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay is how long a dropped file must stay unchanged before it is
// read.
const settleDelay = 300 * time.Millisecond

type dropTimer struct{ t *time.Timer }

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".gif": true}

// WatchDropDir sends every JPEG or GIF written into dir through send until
// ctx is done. The content check happens in send.
func WatchDropDir(ctx context.Context, dir string, send func([]byte) error) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create drop dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch drop dir: %w", err)
	}
	log.Infow("watching drop folder", "dir", dir)

	var (
		mu      sync.Mutex
		pending = make(map[string]*dropTimer)
		wg      sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for _, dt := range pending {
			if dt.t.Stop() {
				wg.Done()
			}
		}
		mu.Unlock()
		wg.Wait()
	}()

	fire := func(name string, dt *dropTimer) {
		defer wg.Done()
		mu.Lock()
		if pending[name] == dt {
			delete(pending, name)
		}
		mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		data, err := os.ReadFile(name)
		if err != nil {
			log.Warnw("read dropped file", "file", name, "err", err)
			return
		}
		if err := send(data); err != nil {
			log.Warnw("send dropped file", "file", name, "err", err)
			return
		}
		log.Infow("dropped image sent", "file", filepath.Base(name), "bytes", len(data))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !imageExts[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := event.Name
			mu.Lock()
			if dt, ok := pending[name]; ok && dt.t.Stop() {
				dt.t.Reset(settleDelay)
			} else {
				wg.Add(1)
				dt := &dropTimer{}
				dt.t = time.AfterFunc(settleDelay, func() { fire(name, dt) })
				pending[name] = dt
			}
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnw("watcher error", "err", err)
		}
	}
}
