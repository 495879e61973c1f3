package mirror

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"
)

// HTTP read and control surface served by cmd/mirror. The reporting layer
// only ever reads committed state through these queries.

type JSONMessage struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channel_id"`
	AuthorID        string     `json:"author_id"`
	Content         string     `json:"content"`
	Timestamp       time.Time  `json:"timestamp"`
	EditedAt        *time.Time `json:"edited_at,omitempty"`
	Pinned          bool       `json:"pinned,omitempty"`
	AttachmentCount int        `json:"attachment_count,omitempty"`
	EmbedCount      int        `json:"embed_count,omitempty"`
	Deleted         bool       `json:"deleted,omitempty"`
}

type MessagesResponse struct {
	Messages []JSONMessage `json:"messages"`
	Error    string        `json:"error,omitempty"`
}

func dbMessageToJSON(m Message) JSONMessage {
	return JSONMessage{
		ID:              m.ID,
		ChannelID:       m.ChannelID,
		AuthorID:        m.AuthorID,
		Content:         m.Content,
		Timestamp:       m.Timestamp,
		EditedAt:        m.EditedAt,
		Pinned:          m.Pinned,
		AttachmentCount: m.AttachmentCount,
		EmbedCount:      m.EmbedCount,
		Deleted:         m.Deleted,
	}
}

// HandleGetMessages handles the GET /messages endpoint
func (e *Engine) HandleGetMessages(c echo.Context) error {
	// Parse the query parameters
	// channel_id - Channel snowflake (optional)
	// author_id - Author snowflake (optional)
	// since / until - time bounds, any parseable format (optional)
	// include_deleted - include tombstoned messages (optional)
	// limit - Number of messages to return (default=100)
	resp := MessagesResponse{}
	filter := MessagesFilter{
		ChannelID: c.QueryParam("channel_id"),
		AuthorID:  c.QueryParam("author_id"),
	}

	if sinceParam := c.QueryParam("since"); sinceParam != "" {
		t, err := dateparse.ParseAny(sinceParam)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid since: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		filter.Since = t
	}

	if untilParam := c.QueryParam("until"); untilParam != "" {
		t, err := dateparse.ParseAny(untilParam)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid until: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		filter.Until = t
	}

	if limitParam := c.QueryParam("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid limit: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		filter.Limit = limit
	}

	filter.IncludeDeleted = c.QueryParam("include_deleted") == "true"

	messages, err := e.store.RecentMessages(c.Request().Context(), filter)
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.Messages = make([]JSONMessage, len(messages))
	for i, m := range messages {
		resp.Messages[i] = dbMessageToJSON(m)
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleGetChannels handles the GET /channels endpoint
func (e *Engine) HandleGetChannels(c echo.Context) error {
	channels, err := e.store.ListChannels(c.Request().Context(), c.QueryParam("server_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"channels": channels})
}

// HandleGetServers handles the GET /servers endpoint
func (e *Engine) HandleGetServers(c echo.Context) error {
	servers, err := e.store.ListServers(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"servers": servers})
}

// HandleGetStats handles the GET /stats endpoint: message volume, distinct
// active users, and per-channel activity over a window (default 24h).
func (e *Engine) HandleGetStats(c echo.Context) error {
	until := time.Now().UTC()
	since := until.Add(-24 * time.Hour)

	if sinceParam := c.QueryParam("since"); sinceParam != "" {
		t, err := dateparse.ParseAny(sinceParam)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid since: %s", err)})
		}
		since = t
	}
	if untilParam := c.QueryParam("until"); untilParam != "" {
		t, err := dateparse.ParseAny(untilParam)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid until: %s", err)})
		}
		until = t
	}

	stats, err := e.store.WindowStats(c.Request().Context(), since, until)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

// HandleGetStatus handles the GET /status endpoint
func (e *Engine) HandleGetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, e.Status())
}

// HandleResyncChannel handles POST /resync/:channel_id, forcing a backfill
// pass over the channel.
func (e *Engine) HandleResyncChannel(c echo.Context) error {
	channelID := c.Param("channel_id")
	if channelID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "channel_id required"})
	}
	queued := e.ResyncChannel(channelID)
	return c.JSON(http.StatusOK, map[string]any{"channel_id": channelID, "queued": queued})
}

// HandlePause handles POST /pause, closing the gateway session until resume.
func (e *Engine) HandlePause(c echo.Context) error {
	e.Pause()
	return c.JSON(http.StatusOK, e.Status())
}

// HandleResume handles POST /resume
func (e *Engine) HandleResume(c echo.Context) error {
	e.Resume()
	return c.JSON(http.StatusOK, e.Status())
}
