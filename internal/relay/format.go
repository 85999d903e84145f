package relay

import (
	"regexp"
	"strings"

	"sms-code-relay-go/internal/models"
)

// Renderer produces the destination text and the copy-button value for a
// message. Richer presentation layers (country flags, platform emoji) plug in
// here; the dispatcher does not care how the text is built.
type Renderer interface {
	Render(msg models.Message) (text, copyValue string)
}

var (
	dashedCodeRe = regexp.MustCompile(`\b\d{2,4}-\d{2,4}\b`)
	plainCodeRe  = regexp.MustCompile(`\b\d{4,8}\b`)
)

// ExtractCode pulls the verification code out of a message body. Patterns
// like 123-456 win over plain digit runs.
func ExtractCode(body string) string {
	if m := dashedCodeRe.FindString(body); m != "" {
		return m
	}
	return plainCodeRe.FindString(body)
}

// PlainRenderer renders a minimal MarkdownV2 post: a bold header line with
// service and number, and the raw body in a code block.
type PlainRenderer struct{}

// Render implements Renderer.
func (PlainRenderer) Render(msg models.Message) (string, string) {
	number := digitsOnly(msg.Number)
	if number != "" {
		number = "+" + number
	} else {
		number = msg.Number
	}
	service := strings.TrimSpace(msg.ServiceName)
	if service == "" {
		service = "Unknown"
	}

	head := mdEscape(service + " " + number)
	body := codeEscape(strings.TrimSpace(msg.Body))
	text := "> *" + head + "*\n```\n" + body + "\n```"

	copyValue := ExtractCode(msg.Body)
	if copyValue == "" {
		copyValue = msg.Number
	}
	return text, copyValue
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, ch := range s {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// mdEscape escapes MarkdownV2 special characters.
func mdEscape(s string) string {
	var b strings.Builder
	for _, ch := range s {
		if strings.ContainsRune(`_*[]()~`+"`"+`>#+-=|{}.!\`, ch) {
			b.WriteByte('\\')
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// codeEscape keeps the surrounding code block valid.
func codeEscape(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
