package cli

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"

	"github.com/dyike/PolishGo/models"
)

var modeOptions = []string{
	string(models.ModePolishOnly),
	string(models.ModePolishThenEnhance),
	string(models.ModeEmotionRewrite),
}

// PromptForMode asks for a processing mode when --mode was not given.
func PromptForMode() (models.ProcessingMode, error) {
	var choice string
	prompt := &survey.Select{
		Message: "Select processing mode:",
		Options: modeOptions,
		Default: string(models.ModePolishOnly),
		Description: func(value string, _ int) string {
			switch models.ProcessingMode(value) {
			case models.ModePolishOnly:
				return "fix wording and grammar"
			case models.ModePolishThenEnhance:
				return "polish, then strengthen the argument"
			case models.ModeEmotionRewrite:
				return "rewrite in a warmer, personal voice"
			}
			return ""
		},
	}
	if err := survey.AskOne(prompt, &choice); err != nil {
		return "", err
	}
	return models.ProcessingMode(choice), nil
}

// ConfirmAcademicIntegrity must be answered yes before an export is written.
func ConfirmAcademicIntegrity() (bool, error) {
	var confirmed bool
	prompt := &survey.Confirm{
		Message: "I will use this text in line with my institution's academic integrity rules. Continue?",
		Default: false,
	}
	err := survey.AskOne(prompt, &confirmed)
	return confirmed, err
}

func ConfirmDelete(sessionID string) (bool, error) {
	var confirmed bool
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("Delete session %s and all of its segments and change records?", sessionID),
		Default: false,
	}
	err := survey.AskOne(prompt, &confirmed)
	return confirmed, err
}

// PromptForText opens an editor for a custom system prompt.
func PromptForText(task, current string) (string, error) {
	var text string
	prompt := &survey.Editor{
		Message:       fmt.Sprintf("System prompt for %s", task),
		Default:       current,
		AppendDefault: true,
		HideDefault:   true,
	}
	err := survey.AskOne(prompt, &text, survey.WithValidator(survey.Required))
	return text, err
}
