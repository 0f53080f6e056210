package codeblock

import (
	"regexp"
	"strings"
)

// fence matches a triple-backtick region with an optional language tag on
// the opening line.
var fence = regexp.MustCompile("```(?:([\\w+#.-]+)[ \\t]*\\r?\\n|\\r?\\n?)([\\s\\S]*?)```")

// Block is one fenced code region
type Block struct {
	Lang    string
	HasLang bool
	Source  string
}

// Extract returns the fenced code blocks of text in source order, or nil
// when there are none.
func Extract(text string) []Block {
	matches := fence.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	blocks := make([]Block, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, Block{
			Lang:    strings.ToLower(m[1]),
			HasLang: m[1] != "",
			Source:  strings.TrimSpace(m[2]),
		})
	}
	return blocks
}

// IsShell reports whether the block is tagged as a shell script
func (b Block) IsShell() bool {
	switch b.Lang {
	case "bash", "sh", "shell":
		return true
	default:
		return false
	}
}

// IsPython reports whether the block is tagged as Python
func (b Block) IsPython() bool {
	return b.Lang == "python" || b.Lang == "py"
}
