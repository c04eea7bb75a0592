package governor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// monitor 持有 fsnotify watcher 与事件循环的生命周期。
type monitor struct {
	watcher *fsnotify.Watcher
	path    string
	done    chan struct{}
}

// StartMonitoring 监听存储目录并增量维护索引。若索引从未建立，会先执行一次全量扫描。
// path 为空时使用 store 根目录；事件按 store 根目录下的 blob 解释，其他目录会被拒绝。
func (g *Governor) StartMonitoring(ctx context.Context, path string) error {
	g.monitorMu.Lock()
	defer g.monitorMu.Unlock()

	if g.monitor != nil {
		return nil
	}
	root := g.store.Root()
	if path == "" {
		path = root
	}
	if !samePath(path, root) {
		return fmt.Errorf("monitor %s: only the store root %s can be watched", path, root)
	}

	if !g.store.Scanned() {
		if err := g.store.Scan(ctx); err != nil {
			return err
		}
		if _, err := g.RecalculateSize(ctx); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	m := &monitor{watcher: watcher, path: path, done: make(chan struct{})}
	g.monitor = m
	go g.watch(m)

	g.logger.WithFields(logrus.Fields{
		"action": "monitor_start",
		"path":   path,
	}).Info("storage monitoring started")
	return nil
}

// StopMonitoring 停止文件系统监听，重复调用安全。
func (g *Governor) StopMonitoring() {
	g.monitorMu.Lock()
	m := g.monitor
	g.monitor = nil
	g.monitorMu.Unlock()

	if m == nil {
		return
	}
	m.watcher.Close()
	<-m.done
	g.logger.WithFields(logrus.Fields{
		"action": "monitor_stop",
		"path":   m.path,
	}).Info("storage monitoring stopped")
}

// Monitoring 表示是否正在监听。
func (g *Governor) Monitoring() bool {
	g.monitorMu.Lock()
	defer g.monitorMu.Unlock()
	return g.monitor != nil
}

func (g *Governor) watch(m *monitor) {
	defer close(m.done)
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			g.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// 事件丢失时以全量扫描兜底
				if scanErr := g.store.Scan(context.Background()); scanErr == nil {
					_, _ = g.RecalculateSize(context.Background())
				}
			}
			g.logger.WithError(err).WithField("action", "monitor").Warn("watcher error")
		}
	}
}

func (g *Governor) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		g.store.IndexFile(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		g.store.ForgetFile(event.Name)
	}
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
