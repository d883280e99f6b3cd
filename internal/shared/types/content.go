package types

// Post is a catalog or search entry
type Post struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	Image    string `json:"image"`
	Provider string `json:"provider,omitempty"`
}

// CatalogItem is a browsable category
type CatalogItem struct {
	Title  string `json:"title"`
	Filter string `json:"filter"`
}

// ContentInfo is the detail page of a post
type ContentInfo struct {
	Title      string        `json:"title"`
	Image      string        `json:"image"`
	Synopsis   string        `json:"synopsis"`
	ImdbID     string        `json:"imdbId,omitempty"`
	Type       string        `json:"type"`
	Tags       []string      `json:"tags,omitempty"`
	Cast       []string      `json:"cast,omitempty"`
	Rating     string        `json:"rating,omitempty"`
	Year       string        `json:"year,omitempty"`
	LinkList   []ContentLink `json:"linkList"`
	Logo       string        `json:"logo,omitempty"`
	Background string        `json:"background,omitempty"`
	Poster     string        `json:"poster,omitempty"`
}

// ContentLink groups playable links (a season, a quality variant)
type ContentLink struct {
	Title        string       `json:"title"`
	Quality      string       `json:"quality,omitempty"`
	EpisodesLink string       `json:"episodesLink,omitempty"`
	DirectLinks  []DirectLink `json:"directLinks,omitempty"`
}

// DirectLink points at an episode or playable item
type DirectLink struct {
	Title string `json:"title"`
	Link  string `json:"link"`
	Type  string `json:"type,omitempty"`
}

// Episode is a single episode entry
type Episode struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

// StreamSource is a resolved playable stream
type StreamSource struct {
	Server    string            `json:"server"`
	Link      string            `json:"link"`
	Type      string            `json:"type"`
	Quality   string            `json:"quality,omitempty"`
	Subtitles []Subtitle        `json:"subtitles,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Subtitle is a subtitle track
type Subtitle struct {
	Title    string `json:"title"`
	Language string `json:"language"`
	Type     string `json:"type"`
	URI      string `json:"uri"`
}

// DefaultContentType is used when an extension omits ContentInfo.Type
const DefaultContentType = "movie"
