package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z-wentao/readrepeat/pkg/models"
)

func TestGenerateTTS(t *testing.T) {
	f := newFixture(t)
	l := f.createLesson(t, "Spoken")

	w := f.do(t, http.MethodPost, "/api/lessons/"+l.ID+"/tts", map[string]string{"voice_name": "alice"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID := decode[map[string]string](t, w)["job_id"]
	require.NotEmpty(t, jobID)

	var job models.TTSJob
	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tts/jobs/"+jobID, nil))
		return w.Code == http.StatusOK && json.Unmarshal(w.Body.Bytes(), &job) == nil && job.Status.Done()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, "stub", job.Provider)

	w = f.do(t, http.MethodGet, "/api/lessons/"+l.ID, nil)
	assert.Equal(t, job.AudioPath, decode[models.LessonDetail](t, w).AudioPath)

	w = f.do(t, http.MethodGet, "/api/lessons/"+l.ID+"/tts/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["total"])
}

func TestGenerateTTSErrors(t *testing.T) {
	f := newFixture(t)
	l := f.createLesson(t, "Spoken")

	w := f.do(t, http.MethodPost, "/api/lessons/"+l.ID+"/tts", map[string]string{"voice_name": "Zephyr"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_VOICE", decode[errorBody](t, w).Code)

	w = f.do(t, http.MethodPost, "/api/lessons/missing/tts", map[string]string{"voice_name": "alice"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/tts/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTTSProviders(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/tts/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Providers []struct {
			ID     string   `json:"id"`
			Voices []string `json:"voices"`
		} `json:"providers"`
	}](t, w)
	require.Len(t, body.Providers, 1)
	assert.Equal(t, []string{"alice", "bob"}, body.Providers[0].Voices)
}
