package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileLayout 课程相关文件在数据目录下的布局
//
//	{data}/lessons/{id}/audio{ext}
//	{data}/lessons/{id}/work/normalized.wav
//	{data}/lessons/{id}/clips/{order}.wav
//	{data}/lessons/{id}/recordings/{segmentID}-{recordingID}{ext}
type FileLayout struct {
	DataDir string
}

func (f FileLayout) LessonDir(lessonID string) string {
	return filepath.Join(f.DataDir, "lessons", lessonID)
}

func (f FileLayout) AudioPath(lessonID, ext string) string {
	return filepath.Join(f.LessonDir(lessonID), "audio"+normalizeExt(ext))
}

func (f FileLayout) NormalizedPath(lessonID string) string {
	return filepath.Join(f.LessonDir(lessonID), "work", "normalized.wav")
}

func (f FileLayout) ClipDir(lessonID string) string {
	return filepath.Join(f.LessonDir(lessonID), "clips")
}

func (f FileLayout) ClipPath(lessonID string, order int) string {
	return filepath.Join(f.ClipDir(lessonID), fmt.Sprintf("%04d.wav", order))
}

func (f FileLayout) RecordingPath(lessonID, segmentID, recordingID, ext string) string {
	return filepath.Join(f.LessonDir(lessonID), "recordings", segmentID+"-"+recordingID+normalizeExt(ext))
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// RemoveFiles 尽力删除，文件不存在不算错误；返回第一个真正的错误
func RemoveFiles(paths ...string) error {
	var first error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	return first
}
