package scanning

import (
	"fmt"
	"regexp"
	"strings"
)

// noTextMarker is what the model is told to answer when the image has no text
const noTextMarker = "NO_TEXT"

// textScanPrompt is the shared prompt used by all LLM providers for extracting text
const textScanPrompt = `You are an optical character recognition engine. Transcribe all text visible in the image.

Rules:
- The text is expected to be in %s. Keep it in its original language, do not translate.
- Preserve the reading order and line breaks of the original.
- Do not describe the image, summarize, or add commentary.
- Do not use markdown code blocks.
- If the image contains no readable text, answer with exactly ` + noTextMarker

var languageNames = map[string]string{
	"eng":     "English",
	"spa":     "Spanish",
	"fra":     "French",
	"deu":     "German",
	"ita":     "Italian",
	"por":     "Portuguese",
	"nld":     "Dutch",
	"rus":     "Russian",
	"jpn":     "Japanese",
	"kor":     "Korean",
	"chi_sim": "Simplified Chinese",
	"chi_tra": "Traditional Chinese",
	"ara":     "Arabic",
	"hin":     "Hindi",
}

// languageName maps a language hint (Tesseract style codes, joined with +
// for multiple languages) to a name the model understands
func languageName(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		lang = DefaultLanguage
	}

	codes := strings.Split(lang, "+")
	names := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		if name, ok := languageNames[code]; ok {
			names = append(names, name)
		} else {
			names = append(names, code)
		}
	}
	return strings.Join(names, " or ")
}

// recognitionPrompt builds the prompt for a language hint
func recognitionPrompt(lang string) string {
	return fmt.Sprintf(textScanPrompt, languageName(lang))
}

var preamble = regexp.MustCompile(`(?i)^(here is|here's|here are|sure[,!]?.*here is) (the )?(extracted |recognized |transcribed )?text.*:\s*$`)

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

func isFence(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "```")
}

// trimBlankLines drops blank lines at both ends, keeping indentation
func trimBlankLines(lines []string) []string {
	for len(lines) > 0 && isBlank(lines[0]) {
		lines = lines[1:]
	}
	for len(lines) > 0 && isBlank(lines[len(lines)-1]) {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// cleanText turns a model answer into plain recognized text
func cleanText(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	lines := trimBlankLines(strings.Split(text, "\n"))

	// A preamble only counts when the model set it apart from the text
	if len(lines) > 1 && preamble.MatchString(strings.TrimSpace(lines[0])) && (isBlank(lines[1]) || isFence(lines[1])) {
		lines = trimBlankLines(lines[1:])
	}

	// Remove markdown code blocks if present
	if len(lines) > 0 && isFence(lines[0]) {
		lines = lines[1:]
		if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "```" {
			lines = lines[:n-1]
		}
		lines = trimBlankLines(lines)
	}

	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = strings.Join(lines, "\n")

	if strings.EqualFold(strings.Trim(text, "`. \n\t"), noTextMarker) {
		return ""
	}
	return text
}
