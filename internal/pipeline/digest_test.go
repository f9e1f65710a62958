package pipeline

import (
	"testing"

	"github.com/dyike/PolishGo/models"
)

func TestConfigDigest(t *testing.T) {
	stages := []models.Stage{models.StagePolish, models.StageEnhance}
	configs := map[models.Stage]models.ModelConfig{
		models.StagePolish:  {Model: "a", BaseURL: "http://llm/v1", APIKey: "k1"},
		models.StageEnhance: {Model: "b", BaseURL: "http://llm/v1"},
	}
	prompts := map[models.Stage]string{models.StagePolish: "p", models.StageEnhance: "e"}
	base := ConfigDigest(stages, configs, prompts)

	if len(base) != 64 {
		t.Fatalf("expected 32-byte hex digest, got %q", base)
	}

	rotated := map[models.Stage]models.ModelConfig{
		models.StagePolish:  {Model: "a", BaseURL: "http://llm/v1/", APIKey: "k2"},
		models.StageEnhance: configs[models.StageEnhance],
	}
	if got := ConfigDigest(stages, rotated, prompts); got != base {
		t.Fatalf("key rotation or trailing slash changed the digest")
	}

	changedModel := map[models.Stage]models.ModelConfig{
		models.StagePolish:  {Model: "a2", BaseURL: "http://llm/v1"},
		models.StageEnhance: configs[models.StageEnhance],
	}
	if got := ConfigDigest(stages, changedModel, prompts); got == base {
		t.Fatalf("model change did not change the digest")
	}

	changedPrompt := map[models.Stage]string{models.StagePolish: "p", models.StageEnhance: "e2"}
	if got := ConfigDigest(stages, configs, changedPrompt); got == base {
		t.Fatalf("prompt change did not change the digest")
	}

	// "ab"+"c" and "a"+"bc" must not collide.
	x := ConfigDigest([]models.Stage{"s"}, map[models.Stage]models.ModelConfig{"s": {Model: "ab", BaseURL: "c"}}, nil)
	y := ConfigDigest([]models.Stage{"s"}, map[models.Stage]models.ModelConfig{"s": {Model: "a", BaseURL: "bc"}}, nil)
	if x == y {
		t.Fatalf("field boundaries collided")
	}
}
