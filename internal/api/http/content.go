package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// page reads ?page, defaulting to the first page
func page(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("page", "1")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		badRequest(c, "page must be a positive integer")
		return 0, false
	}
	return n, true
}

// required reads a mandatory query parameter
func required(c *gin.Context, name string) (string, bool) {
	v := c.Query(name)
	if v == "" {
		badRequest(c, name+" is required")
		return "", false
	}
	return v, true
}

// respond writes a content result under key or fails with err
func respond(c *gin.Context, key string, value any, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{key: value})
}

// Catalog returns the home catalog rows of an extension
func (h *Handlers) Catalog(c *gin.Context) {
	items, err := h.manager.Catalog(c.Request.Context(), c.Param("id"))
	respond(c, "catalog", items, err)
}

// Genres returns the genre rows of an extension
func (h *Handlers) Genres(c *gin.Context) {
	items, err := h.manager.Genres(c.Request.Context(), c.Param("id"))
	respond(c, "genres", items, err)
}

// Posts returns one page of a catalog row
func (h *Handlers) Posts(c *gin.Context) {
	n, ok := page(c)
	if !ok {
		return
	}
	posts, err := h.manager.Posts(c.Request.Context(), c.Param("id"), c.Query("filter"), n)
	respond(c, "posts", posts, err)
}

// Search returns one page of search results
func (h *Handlers) Search(c *gin.Context) {
	query, ok := required(c, "q")
	if !ok {
		return
	}
	n, ok := page(c)
	if !ok {
		return
	}
	posts, err := h.manager.Search(c.Request.Context(), c.Param("id"), query, n)
	respond(c, "posts", posts, err)
}

// Metadata returns the detail page of a post
func (h *Handlers) Metadata(c *gin.Context) {
	link, ok := required(c, "link")
	if !ok {
		return
	}
	info, err := h.manager.Metadata(c.Request.Context(), c.Param("id"), link)
	respond(c, "meta", info, err)
}

// Streams returns the playable sources of a link
func (h *Handlers) Streams(c *gin.Context) {
	link, ok := required(c, "link")
	if !ok {
		return
	}
	streams, err := h.manager.Streams(c.Request.Context(), c.Param("id"), link, c.Query("type"))
	respond(c, "streams", streams, err)
}

// Episodes returns the episode list behind a link
func (h *Handlers) Episodes(c *gin.Context) {
	link, ok := required(c, "link")
	if !ok {
		return
	}
	episodes, err := h.manager.Episodes(c.Request.Context(), c.Param("id"), link)
	respond(c, "episodes", episodes, err)
}
