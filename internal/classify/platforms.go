package classify

// PlatformInfo is display metadata for a platform identifier.
type PlatformInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	HasAPI bool   `json:"has_api"`
}

var platforms = []PlatformInfo{
	{"tradingview", "TradingView", "#2962FF", false},
	{"medium", "Medium", "#000000", false},
	{"substack", "Substack", "#FF6719", false},
	{"linkedin", "LinkedIn", "#0A66C2", true},
	{"discord", "Discord", "#5865F2", true},
	{"youtube", "YouTube", "#FF0000", true},
	{"devto", "Dev.to", "#0A0A0A", true},
	{"reddit", "Reddit", "#FF4500", true},
	{"github", "GitHub", "#181717", true},
	{"hashnode", "Hashnode", "#2962FF", true},
	{"blogger", "Blogger", "#FF5722", true},
	{"buttondown", "Buttondown", "#0069FF", true},
	{"x", "X (Twitter)", "#000000", true},
	{"facebook", "Facebook", "#1877F2", true},
	{"instagram", "Instagram", "#E4405F", false},
}

// Platforms returns metadata for every known platform.
func Platforms() []PlatformInfo {
	out := make([]PlatformInfo, len(platforms))
	copy(out, platforms)
	return out
}

// Info returns metadata for id. Unknown ids get a neutral entry named after
// the id itself.
func Info(id string) PlatformInfo {
	for _, p := range platforms {
		if p.ID == id {
			return p
		}
	}
	return PlatformInfo{ID: id, Name: id, Color: "#808080"}
}
