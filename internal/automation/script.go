//go:build !no_automation

package automation

// ScriptMeta is the JSON header stored on the first line of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one Lua automation script on disk.
type Script struct {
	ID   string     `json:"id"` // file name without .lua
	Meta ScriptMeta `json:"meta"`
	Code string     `json:"code"`
	Path string     `json:"-"`
}
