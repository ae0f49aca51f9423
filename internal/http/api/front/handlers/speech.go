package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/schemewise/governance/internal/audio"
)

// AudioLoader reads stored audio by id.
type AudioLoader interface {
	Load(id string) ([]byte, string, error)
}

// SpeechHandler serves speech synthesis and stored audio.
type SpeechHandler struct {
	checker Checker
	audio   AudioLoader
}

// NewSpeechHandler constructs a SpeechHandler.
func NewSpeechHandler(checker Checker, loader AudioLoader) *SpeechHandler {
	return &SpeechHandler{checker: checker, audio: loader}
}

type speechRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Synthesize returns a handle to audio of the requested text.
func (h *SpeechHandler) Synthesize(c *gin.Context) {
	var body speechRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid body")
		return
	}
	handle, err := h.checker.SynthesizeSpeech(c.Request.Context(), getSession(c), getCaller(c), body.Text, body.Language)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

// Audio streams stored audio bytes.
func (h *SpeechHandler) Audio(c *gin.Context) {
	data, contentType, err := h.audio.Load(c.Param("id"))
	if err != nil {
		if errors.Is(err, audio.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "audio not found"})
			return
		}
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "private, max-age=3600")
	c.Header("Content-Length", strconv.Itoa(len(data)))
	c.Data(http.StatusOK, contentType, data)
}

// EndSession drops the caller's cached translations and audio handles.
func (h *SpeechHandler) EndSession(c *gin.Context) {
	if err := h.checker.EndSession(c.Request.Context(), getSession(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
