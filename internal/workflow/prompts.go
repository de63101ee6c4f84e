package workflow

import (
	"fmt"
	"strings"

	"animforge/internal/session"
)

// systemPrompt is the fixed instruction template describing the target
// scripting API and the entry-point contract.
const systemPrompt = `You are an expert Manim (Mathematical Animation Engine) programmer.
Generate complete, working Manim code based on the user's request.

IMPORTANT REQUIREMENTS:
1. Use ManimCommunity syntax (from manim import *)
2. Create a Scene class that inherits from Scene
3. Use self.play() for animations and self.wait() for pauses
4. Include proper imports
5. The class name MUST be "GeneratedScene"
6. Only return Python code, no explanations or markdown formatting
7. Make the animations visually appealing and smooth
8. Use appropriate animation timing (self.wait() between animations)
9. Include comments to explain complex parts

Example structure:
` + "```python" + `
from manim import *

class GeneratedScene(Scene):
    def construct(self):
        # Your animation code here
        text = Text("Hello World")
        self.play(Write(text))
        self.wait()
` + "```" + `

CRITICAL: If you receive error feedback, carefully analyze the errors and fix them.
Common issues to avoid:
- Missing imports
- Incorrect class/method names
- Invalid Manim objects or animations
- Syntax errors
- Undefined variables or attributes

Generate clean, working Manim code.`

// buildUserMessage assembles the user turn for the next generation call.
// The first iteration sends the original instruction; refinements feed the
// prior script and its errors back, asking for a corrected version.
func buildUserMessage(sess *session.Session) string {
	last := sess.LastIteration()
	if last == nil {
		return sess.Prompt
	}

	var errorInfo, warningsInfo string
	if last.Verdict != nil {
		errorInfo = strings.Join(last.Verdict.Errors, "\n")
		warningsInfo = strings.Join(last.Verdict.Warnings, "\n")
	}

	msg := fmt.Sprintf(`The previous code had errors. Please fix them and generate corrected code.

ORIGINAL REQUEST: %s

PREVIOUS CODE:
`+"```python"+`
%s
`+"```"+`

ERRORS FOUND:
%s
`, sess.Prompt, last.Script, errorInfo)

	if warningsInfo != "" {
		msg += fmt.Sprintf("\nWARNINGS: %s\n", warningsInfo)
	}

	msg += "\nPlease generate corrected Manim code that fixes these issues."
	return msg
}
