package transcriber

import (
	"context"
	"fmt"
	"sync"

	"github.com/z-wentao/readrepeat/pkg/audio"
	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
)

// DefaultChunkSeconds 单块时长，16kHz 单声道 WAV 约 19MB，低于接口 25MB 上限
const DefaultChunkSeconds = 600

// Splitter 长音频切分
type Splitter interface {
	Split(ctx context.Context, path string, chunkSeconds int) ([]audio.Chunk, error)
}

// Engine 长音频先切块，再并发转录，最后按块偏移合并时间戳
type Engine struct {
	inner        Transcriber
	splitter     Splitter
	chunkSeconds int
	concurrency  int
	log          *logger.Logger
}

// NewEngine 创建转录引擎
func NewEngine(inner Transcriber, splitter Splitter, concurrency int, log *logger.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Engine{
		inner:        inner,
		splitter:     splitter,
		chunkSeconds: DefaultChunkSeconds,
		concurrency:  concurrency,
		log:          log.With("component", "transcription_engine"),
	}
}

type chunkResult struct {
	index int
	frags []models.TranscriptionFragment
	err   error
}

// Transcribe 转录整个音频
func (e *Engine) Transcribe(ctx context.Context, audioPath, lang string, model models.WhisperModel) ([]models.TranscriptionFragment, error) {
	chunks, err := e.splitter.Split(ctx, audioPath, e.chunkSeconds)
	if err != nil {
		return nil, fmt.Errorf("切分音频失败: %w", err)
	}
	defer func() {
		if err := audio.Cleanup(chunks); err != nil {
			e.log.Warn("清理音频分块失败", "path", audioPath, "error", err)
		}
	}()

	if len(chunks) == 1 {
		return e.inner.Transcribe(ctx, chunks[0].FilePath, lang, model)
	}
	e.log.Info("音频已分块", "path", audioPath, "chunks", len(chunks))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	taskChan := make(chan audio.Chunk, len(chunks))
	resultChan := make(chan chunkResult, len(chunks))

	var wg sync.WaitGroup
	for i := 0; i < min(e.concurrency, len(chunks)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range taskChan {
				if ctx.Err() != nil {
					resultChan <- chunkResult{index: chunk.Index, err: ctx.Err()}
					continue
				}
				frags, err := e.inner.Transcribe(ctx, chunk.FilePath, lang, model)
				resultChan <- chunkResult{index: chunk.Index, frags: frags, err: err}
			}
		}()
	}

	for _, chunk := range chunks {
		taskChan <- chunk
	}
	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([][]models.TranscriptionFragment, len(chunks))
	var firstErr error
	for r := range resultChan {
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("分块 %d 转录失败: %w", r.index, r.err)
				cancel() // 一个分块失败，其余分块不再继续
			}
			continue
		}
		results[r.index] = r.frags
	}
	if firstErr != nil {
		return nil, firstErr
	}

	return mergeChunks(chunks, results), nil
}

// mergeChunks 按分块顺序合并，时间加上分块在原音频中的偏移
func mergeChunks(chunks []audio.Chunk, results [][]models.TranscriptionFragment) []models.TranscriptionFragment {
	var merged []models.TranscriptionFragment
	for _, chunk := range chunks {
		offset := secondsToMs(chunk.Start)
		for _, f := range results[chunk.Index] {
			merged = append(merged, models.TranscriptionFragment{
				Text:    f.Text,
				StartMs: f.StartMs + offset,
				EndMs:   f.EndMs + offset,
			})
		}
	}
	return merged
}
