package cmd

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/TyrellHaywood/echo-sub001/config"
	"github.com/TyrellHaywood/echo-sub001/core/mixdown"
	"github.com/TyrellHaywood/echo-sub001/db"
	"github.com/TyrellHaywood/echo-sub001/model"
	"github.com/TyrellHaywood/echo-sub001/repository"
	"github.com/TyrellHaywood/echo-sub001/storage"
)

var mixdownOutput string

// 离线混音：从数据库读取项目轨道表，渲染为本地WAV文件
var mixdownCmd = &cobra.Command{
	Use:   "mixdown <project_id>",
	Short: "离线渲染项目混音",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		projectID := args[0]
		cfg := config.Load()

		if err := db.ConnectGormDB(cfg); err != nil {
			log.Fatalf("无法连接数据库: %v", err)
		}

		store, err := storage.NewStore(cfg)
		if err != nil {
			log.Fatalf("无法连接对象存储: %v", err)
		}

		ctx := context.Background()
		trackRepo := repository.NewGormTrackRepository(db.GormDB)
		tracks, err := trackRepo.ListTracks(ctx, projectID)
		if err != nil {
			log.Fatalf("读取轨道表失败: %v", err)
		}
		fmt.Printf("项目 %s 共 %d 条轨道\n", projectID, len(tracks))

		engine := mixdown.NewEngine(mixdown.NewFFmpegDecoder(cfg.FFmpegPath, store), cfg.LimiterCeiling)
		result, err := engine.Mix(ctx, &model.MixdownRequest{
			ProjectID:  projectID,
			Tracks:     tracks,
			SampleRate: cfg.MixSampleRate,
		})
		if err != nil {
			log.Fatalf("混音渲染失败: %v", err)
		}

		file, err := os.Create(mixdownOutput)
		if err != nil {
			log.Fatalf("创建输出文件失败: %v", err)
		}
		defer file.Close()

		if err := mixdown.EncodeWAV(file, result, 16); err != nil {
			log.Fatalf("写入WAV失败: %v", err)
		}
		fmt.Printf("混音完成: %s (%.2fs, peak %.3f)\n", mixdownOutput, result.DurationSeconds, result.Peak)
	},
}

func init() {
	mixdownCmd.Flags().StringVarP(&mixdownOutput, "output", "o", "mixdown.wav", "输出WAV文件路径")
	rootCmd.AddCommand(mixdownCmd)
}
