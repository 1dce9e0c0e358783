package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 收件文件处理函数，由上层创建加固任务
type FileHandler func(ctx context.Context, filePath string) error

// FileWatcher 收件目录监听。新落地的 APK 经防抖与写入完成检测后
// 交给 handler。启动时不扫描存量文件：已入库的任务由重启恢复流程
// 重新投递，重复扫描会造成重复任务
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	pattern  string // 如 "*.apk"
	handler  FileHandler
	logger   *logrus.Logger
	debounce time.Duration

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewFileWatcher 创建监听器。debounce <= 0 时取 2 秒
func NewFileWatcher(watchDir, pattern string, debounce time.Duration, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := os.MkdirAll(watchDir, 0755); err != nil {
		w.Close()
		return nil, fmt.Errorf("create watch directory: %w", err)
	}
	if err := w.Add(watchDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch directory %s: %w", watchDir, err)
	}

	fw := &FileWatcher{
		watcher:    w,
		watchDir:   watchDir,
		pattern:    pattern,
		handler:    handler,
		logger:     logger,
		debounce:   debounce,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stopCh:     make(chan struct{}),
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   pattern,
		"debounce":  debounce,
	}).Info("File watcher created")

	return fw, nil
}

// Start 启动事件循环
func (fw *FileWatcher) Start(ctx context.Context) error {
	go fw.eventLoop(ctx)
	fw.logger.Info("File watcher started, existing files are not rescanned")
	return nil
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopCh:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.logger.Warn("Watcher events channel closed")
				return
			}
			fw.onEvent(ctx, event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				fw.logger.Warn("Watcher errors channel closed")
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// onEvent 创建/写入事件进入防抖窗口，同一文件的连续事件只触发一次
func (fw *FileWatcher) onEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	fileName := filepath.Base(event.Name)
	if !fw.matchPattern(fileName) {
		return
	}

	fw.logger.WithFields(logrus.Fields{
		"event": event.Op.String(),
		"file":  fileName,
	}).Debug("File event detected")

	path := event.Name
	fw.mu.Lock()
	if timer, exists := fw.timers[path]; exists {
		timer.Stop()
	}
	fw.timers[path] = time.AfterFunc(fw.debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, path)
		fw.mu.Unlock()
		fw.handleFile(ctx, path)
	})
	fw.mu.Unlock()
}

func (fw *FileWatcher) handleFile(ctx context.Context, filePath string) {
	fw.mu.Lock()
	if fw.processing[filePath] {
		fw.mu.Unlock()
		fw.logger.WithField("file", filePath).Debug("File is already being processed")
		return
	}
	fw.processing[filePath] = true
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		delete(fw.processing, filePath)
		fw.mu.Unlock()
	}()

	if err := fw.waitForFileReady(filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("File not ready, skipping")
		return
	}

	fw.logger.WithField("file", filePath).Info("Processing inbox file")
	if err := fw.handler(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("Failed to process inbox file")
		return
	}
	fw.logger.WithField("file", filePath).Info("Inbox file processed")
}

// waitForFileReady 等文件大小稳定且非空，大 APK 的拷贝可能
// 跨越多个防抖窗口
func (fw *FileWatcher) waitForFileReady(filePath string) error {
	const maxAttempts = 10

	for i := 0; i < maxAttempts; i++ {
		f, err := os.OpenFile(filePath, os.O_RDONLY, 0644)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file disappeared before processing")
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		info1, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		time.Sleep(500 * time.Millisecond)
		info2, err := f.Stat()
		f.Close()
		if err != nil {
			return err
		}

		if info1.Size() == info2.Size() && info1.Size() > 0 {
			return nil
		}
	}

	return fmt.Errorf("file size not stable after %d attempts", maxAttempts)
}

func (fw *FileWatcher) matchPattern(fileName string) bool {
	if fw.pattern == "*" {
		return true
	}
	if strings.HasPrefix(fw.pattern, "*.") {
		ext := strings.TrimPrefix(fw.pattern, "*")
		return strings.HasSuffix(strings.ToLower(fileName), strings.ToLower(ext))
	}
	return fileName == fw.pattern
}

// Stop 停止监听，幂等
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopCh)
		err = fw.watcher.Close()
	})
	return err
}

// GetWatchDir 监听目录
func (fw *FileWatcher) GetWatchDir() string {
	return fw.watchDir
}
