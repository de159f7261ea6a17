package protocol

import "strings"

// CommandKind enumerates what can be written to the worker's input.
type CommandKind int

const (
	CommandText CommandKind = iota
	CommandTextWithSpeech
	CommandInterrupt
	CommandSpeechSetting
)

func (k CommandKind) String() string {
	switch k {
	case CommandText:
		return "text"
	case CommandTextWithSpeech:
		return "text_tts"
	case CommandInterrupt:
		return "interrupt"
	case CommandSpeechSetting:
		return "tts_setting"
	default:
		return "unknown"
	}
}

// Command is a single instruction for the worker.
type Command struct {
	Kind    CommandKind
	Message string
	Enabled bool
}

func TextCommand(message string) Command {
	return Command{Kind: CommandText, Message: message}
}

func SpeechTextCommand(message string) Command {
	return Command{Kind: CommandTextWithSpeech, Message: message}
}

func InterruptCommand() Command {
	return Command{Kind: CommandInterrupt}
}

func SpeechSettingCommand(enabled bool) Command {
	return Command{Kind: CommandSpeechSetting, Enabled: enabled}
}

// IsControl reports whether the command bypasses the readiness queue.
func (c Command) IsControl() bool {
	return c.Kind == CommandInterrupt
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Line renders the command as one newline-terminated protocol line. Embedded
// line breaks in the message are folded into spaces.
func (c Command) Line() string {
	switch c.Kind {
	case CommandTextWithSpeech:
		return "TEXT_TTS:" + lineBreaks.Replace(c.Message) + "\n"
	case CommandInterrupt:
		return "INTERRUPT\n"
	case CommandSpeechSetting:
		if c.Enabled {
			return "TTS_SETTING:on\n"
		}
		return "TTS_SETTING:off\n"
	default:
		return "TEXT:" + lineBreaks.Replace(c.Message) + "\n"
	}
}
