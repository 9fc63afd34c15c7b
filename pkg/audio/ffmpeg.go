// Package audio 封装 ffmpeg/ffprobe 调用以及 WAV 读写
package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ClipPaddingMs 句子片段前后各留的余量
const ClipPaddingMs = 200

// Tool ffmpeg 命令行封装
type Tool struct {
	ffmpeg  string
	ffprobe string
}

// NewTool 创建工具，路径为空时使用 PATH 中的 ffmpeg / ffprobe
func NewTool(ffmpegPath, ffprobePath string) *Tool {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Tool{ffmpeg: ffmpegPath, ffprobe: ffprobePath}
}

// Chunk 切分出的音频块
type Chunk struct {
	Index    int
	FilePath string
	Start    float64 // 在原音频中的起始秒数
	End      float64
}

func run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	// 捕获 stdout 和 stderr
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s 执行失败: %w (stderr: %s)", filepath.Base(name), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// ffprobe -v error -show_entries format=duration -of default=noprint_wrappers=1:nokey=1 input.mp3
func durationArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}

// Duration 音频/视频时长（秒）
func (t *Tool) Duration(ctx context.Context, path string) (float64, error) {
	out, err := run(ctx, t.ffprobe, durationArgs(path)...)
	if err != nil {
		return 0, err
	}

	durationStr := strings.TrimSpace(out)
	if durationStr == "" {
		return 0, fmt.Errorf("ffprobe 未返回时长信息: %s", path)
	}

	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, fmt.Errorf("解析时长失败: %w (output: %s)", err, durationStr)
	}
	return duration, nil
}

// 转为 16kHz 单声道 16bit PCM WAV，同时去掉视频流
func normalizeArgs(in, out string) []string {
	return []string{
		"-y",
		"-i", in,
		"-vn",
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		out,
	}
}

// Normalize 转录前统一音频格式
func (t *Tool) Normalize(ctx context.Context, in, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	_, err := run(ctx, t.ffmpeg, normalizeArgs(in, out)...)
	return err
}

func secs(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
}

// clipArgs 截取 [startMs-padding, endMs+padding]，-ss 放在 -i 前面以快速定位
func clipArgs(in, out string, startMs, endMs int64) []string {
	start := max(0, startMs-ClipPaddingMs)
	end := endMs + ClipPaddingMs
	return []string{
		"-y",
		"-ss", secs(start),
		"-i", in,
		"-t", secs(end - start),
		"-c:a", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		out,
	}
}

// ExtractClip 截取单句音频片段
func (t *Tool) ExtractClip(ctx context.Context, in, out string, startMs, endMs int64) error {
	if endMs <= startMs {
		return fmt.Errorf("无效的片段时间: %d-%d", startMs, endMs)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("创建片段目录失败: %w", err)
	}
	_, err := run(ctx, t.ffmpeg, clipArgs(in, out, startMs, endMs)...)
	return err
}

func isVideo(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".webm", ".avi", ".mov", ".mkv":
		return true
	}
	return false
}

func splitArgs(in, out string, start, duration float64) []string {
	args := []string{
		"-i", in,
		"-ss", fmt.Sprintf("%.2f", start),
		"-t", fmt.Sprintf("%.2f", duration),
	}
	if isVideo(in) {
		// 视频：提取音频并转码为 MP3
		args = append(args, "-vn", "-acodec", "libmp3lame", "-ab", "128k")
	} else {
		// 纯音频：直接复制（快速，不重新编码）
		args = append(args, "-acodec", "copy")
	}
	return append(args, "-y", out)
}

// chunkPlan 计算切分区间
func chunkPlan(duration float64, chunkSeconds int) [][2]float64 {
	if chunkSeconds <= 0 || duration <= float64(chunkSeconds) {
		return [][2]float64{{0, duration}}
	}
	var plan [][2]float64
	for start := 0.0; start < duration; start += float64(chunkSeconds) {
		plan = append(plan, [2]float64{start, min(start+float64(chunkSeconds), duration)})
	}
	return plan
}

// Split 将长音频切成 chunkSeconds 秒的块，放在原文件旁的 chunks 目录
// 音频不超过一块时直接返回原文件
func (t *Tool) Split(ctx context.Context, path string, chunkSeconds int) ([]Chunk, error) {
	duration, err := t.Duration(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("获取音频时长失败: %w", err)
	}

	plan := chunkPlan(duration, chunkSeconds)
	if len(plan) == 1 {
		return []Chunk{{Index: 0, FilePath: path, Start: 0, End: duration}}, nil
	}

	chunksDir := filepath.Join(filepath.Dir(path), "chunks")
	if err := os.MkdirAll(chunksDir, 0755); err != nil {
		return nil, fmt.Errorf("创建片段目录失败: %w", err)
	}

	ext := filepath.Ext(path)
	if isVideo(path) {
		ext = ".mp3"
	}

	chunks := make([]Chunk, 0, len(plan))
	for i, p := range plan {
		out := filepath.Join(chunksDir, fmt.Sprintf("chunk_%03d%s", i, ext))
		if _, err := run(ctx, t.ffmpeg, splitArgs(path, out, p[0], p[1]-p[0])...); err != nil {
			return nil, fmt.Errorf("切分片段 %d 失败: %w", i, err)
		}
		chunks = append(chunks, Chunk{Index: i, FilePath: out, Start: p[0], End: p[1]})
	}
	return chunks, nil
}

// Cleanup 只删除 Split 创建的 chunks 目录，不动原始文件
func Cleanup(chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	dir := filepath.Dir(chunks[0].FilePath)
	if filepath.Base(dir) != "chunks" {
		return nil
	}
	return os.RemoveAll(dir)
}
