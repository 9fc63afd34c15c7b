package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// PCM16ToInts 16bit 小端 PCM 字节转采样值，末尾不足 2 字节的部分丢弃
func PCM16ToInts(data []byte) []int {
	samples := make([]int, len(data)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return samples
}

// Silence 指定时长的静音采样
func Silence(sampleRate int, d time.Duration) []int {
	n := int(int64(sampleRate) * d.Milliseconds() / 1000)
	return make([]int, max(0, n))
}

// Concat 拼接多段采样，段与段之间插入 gap
func Concat(parts [][]int, gap []int) []int {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if len(parts) > 1 {
		total += len(gap) * (len(parts) - 1)
	}

	out := make([]int, 0, total)
	for i, p := range parts {
		if i > 0 {
			out = append(out, gap...)
		}
		out = append(out, p...)
	}
	return out
}

// WriteWAV 写入 16bit 单声道 WAV
// 先写临时文件再 rename，读者不会看到写了一半的文件
func WriteWAV(path string, samples []int, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("无效的采样率: %d", sampleRate)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".wav-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := wav.NewEncoder(tmp, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Data:           samples,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("写入 WAV 数据失败: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("关闭 WAV 编码器失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// WAVDurationMs 读取 WAV 时长（毫秒）
func WAVDurationMs(path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return 0, errors.New("不是有效的 WAV 文件")
	}

	d, err := decoder.Duration()
	if err != nil {
		return 0, fmt.Errorf("读取 WAV 时长失败: %w", err)
	}
	return d.Milliseconds(), nil
}
