package pipeline

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/dyike/PolishGo/models"
)

// ConfigDigest fingerprints what decides a session's output: the ordered
// stages, each stage's model and endpoint, and each stage's system prompt.
// API keys are left out so rotating a key does not block a retry.
func ConfigDigest(stages []models.Stage, configs map[models.Stage]models.ModelConfig, prompts map[models.Stage]string) string {
	h := blake3.New()
	for _, st := range stages {
		cfg := configs[st]
		field(h, string(st))
		field(h, cfg.Model)
		field(h, strings.TrimRight(cfg.BaseURL, "/"))
		field(h, prompts[st])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// field writes a length-prefixed value so adjacent fields cannot run together.
func field(w io.Writer, s string) {
	fmt.Fprintf(w, "%d:%s;", len(s), s)
}
