package v1

// EngineModel describes one model an engine can run
type EngineModel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

// EngineInfo reports an engine's availability probe and model list
type EngineInfo struct {
	Type       string        `json:"type"`
	Installed  bool          `json:"installed"`
	Executable bool          `json:"executable"`
	Version    string        `json:"version,omitempty"`
	AuthStatus string        `json:"authStatus"`
	Error      string        `json:"error,omitempty"`
	Models     []EngineModel `json:"models,omitempty"`
}

// NormalizeRequest replays one raw engine output line through a normalizer
// (runtime endpoint).
type NormalizeRequest struct {
	EngineType string `json:"engineType" binding:"required"`
	Line       string `json:"line" binding:"required"`
}
