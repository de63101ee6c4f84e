package llm

import "strings"

// StripFences recovers a clean script from a model response: leading and
// trailing markdown code fences are removed, and any stray fence-only lines
// left in the body are dropped.
func StripFences(content string) string {
	script := strings.TrimSpace(content)

	if strings.HasPrefix(script, "```python") {
		script = strings.TrimSpace(script[len("```python"):])
	} else if strings.HasPrefix(script, "```") {
		script = strings.TrimSpace(script[3:])
	}

	if strings.HasSuffix(script, "```") {
		script = strings.TrimSpace(script[:len(script)-3])
	}

	lines := strings.Split(script, "\n")
	cleaned := lines[:0]
	for _, line := range lines {
		switch strings.TrimSpace(line) {
		case "```", "```python", "```py":
			continue
		}
		cleaned = append(cleaned, line)
	}

	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}
