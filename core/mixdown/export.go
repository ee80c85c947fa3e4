package mixdown

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TyrellHaywood/echo-sub001/logger"
)

// Uploader 把导出完成的混音文件推送到对象存储
type Uploader interface {
	UploadMixdown(ctx context.Context, projectID, localPath string) (string, error)
}

// Exporter 监听混音导出目录，发现稳定的 .wav 文件后上传
// 架构：引擎写出 WAV → fsnotify 监听 → 稳定性检查 → 上传 → 本地清理
type Exporter struct {
	spoolDir string
	uploader Uploader

	mu       sync.Mutex
	uploaded map[string]string // local filename -> object ref
}

func NewExporter(spoolDir string, uploader Uploader) *Exporter {
	return &Exporter{
		spoolDir: spoolDir,
		uploader: uploader,
		uploaded: make(map[string]string),
	}
}

// SpoolPath returns where the engine should write a finished mixdown so the
// watcher can pick it up. The project and a render id keep names unique.
func (e *Exporter) SpoolPath(projectID, renderID string) string {
	return filepath.Join(e.spoolDir, fmt.Sprintf("%s_%s.wav", projectID, renderID))
}

// Ref returns the uploaded object ref for a spool file, if any.
func (e *Exporter) Ref(localPath string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref, ok := e.uploaded[filepath.Base(localPath)]
	return ref, ok
}

// Run watches the spool directory until ctx is canceled.
func (e *Exporter) Run(ctx context.Context) error {
	if err := os.MkdirAll(e.spoolDir, 0755); err != nil {
		return fmt.Errorf("创建导出目录失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(e.spoolDir); err != nil {
		return fmt.Errorf("监听导出目录失败: %w", err)
	}

	logger.Info("混音导出监听启动", logger.String("dir", e.spoolDir))

	// 文件稳定性检查的延迟队列
	pendingFiles := make(map[string]time.Time)
	checkTicker := time.NewTicker(200 * time.Millisecond)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && strings.HasSuffix(event.Name, ".wav") {
				pendingFiles[event.Name] = time.Now()
			}

		case <-checkTicker.C:
			now := time.Now()
			for filePath, lastModTime := range pendingFiles {
				// 文件可能还在写入
				if now.Sub(lastModTime) < 500*time.Millisecond {
					continue
				}
				delete(pendingFiles, filePath)
				e.export(ctx, filePath)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("文件监听错误", logger.ErrorField(err))
		}
	}
}

func (e *Exporter) export(ctx context.Context, filePath string) {
	name := filepath.Base(filePath)
	projectID, _, found := strings.Cut(strings.TrimSuffix(name, ".wav"), "_")
	if !found {
		logger.Warn("忽略无法识别的导出文件", logger.String("file", name))
		return
	}

	ref, err := e.uploader.UploadMixdown(ctx, projectID, filePath)
	if err != nil {
		logger.Error("混音上传失败",
			logger.String("file", name),
			logger.ErrorField(err))
		return
	}

	e.mu.Lock()
	e.uploaded[name] = ref
	e.mu.Unlock()

	if err := os.Remove(filePath); err != nil {
		logger.Warn("清理本地导出文件失败", logger.String("file", name), logger.ErrorField(err))
	}

	logger.Info("混音已上传",
		logger.String("projectId", projectID),
		logger.String("ref", ref))
}
