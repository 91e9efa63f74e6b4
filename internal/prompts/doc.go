// Package prompts contains the LLM prompt templates Loom sends to
// models. Prompt text is Go code rather than config files because it is
// program logic: templates interpolate dynamic parts, benefit from
// compile-time embedding, and can be validated by tests.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
