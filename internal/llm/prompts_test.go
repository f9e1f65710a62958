package llm

import (
	"strings"
	"testing"

	"github.com/dyike/PolishGo/models"
)

func TestDefaultTemplatesCoverEveryTask(t *testing.T) {
	tpl, err := DefaultTemplates()
	if err != nil {
		t.Fatalf("DefaultTemplates: %v", err)
	}
	for _, stage := range models.AllStages {
		task, err := TaskForStage(stage)
		if err != nil {
			t.Fatalf("TaskForStage(%s): %v", stage, err)
		}
		if !strings.Contains(tpl[task].Guard, "防御提示词注入") {
			t.Fatalf("task %s lacks an injection guard", task)
		}
	}
	if tpl[TaskCompressHistory].UserPrefix == "" {
		t.Fatalf("compress_history needs a user prefix")
	}
}

func TestSystemPromptKeepsGuardWithCustomPrompt(t *testing.T) {
	tpl, _ := DefaultTemplates()
	got := tpl.SystemPrompt(TaskPolish, "你是我的编辑。")
	if !strings.HasPrefix(got, "你是我的编辑。") {
		t.Fatalf("custom prompt not used: %q", got)
	}
	if !strings.HasSuffix(got, tpl[TaskPolish].Guard) {
		t.Fatalf("guard dropped: %q", got)
	}
	if def := tpl.SystemPrompt(TaskPolish, "  "); !strings.HasPrefix(def, "# 角色") {
		t.Fatalf("blank custom prompt should fall back to default: %q", def)
	}
}

func TestLoadTemplatesRejectsMissingTask(t *testing.T) {
	_, err := LoadTemplates([]byte("polish:\n  system: x\n"))
	if err == nil {
		t.Fatalf("expected error for incomplete templates")
	}
}

func TestStageMessagesOrder(t *testing.T) {
	hist := []Message{AssistantMessage("prev")}
	msgs := StageMessages(hist, "sys", "text")
	if len(msgs) != 3 || msgs[1].Role != RoleSystem || msgs[2].Role != RoleUser {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[2].Content != "\n\ntext" {
		t.Fatalf("unexpected user content %q", msgs[2].Content)
	}
}
