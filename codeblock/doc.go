// Package codeblock extracts fenced code blocks from model output and vets
// Python snippets before they run.
//
// Extract is pure. Python shells out to the host interpreter: ast for
// syntax checks and import discovery, black for formatting and pylint for
// advisory static analysis.
package codeblock
