package livehttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sessionpilot/internal/events"
	"sessionpilot/internal/logger"
	"sessionpilot/internal/pkg/symbol"
	"sessionpilot/internal/position"
	"sessionpilot/internal/risk"
	"sessionpilot/internal/store"

	"github.com/gin-gonic/gin"
)

// SessionView 是运行中会话的只读视图。
type SessionView interface {
	SessionID() string
	Summary() events.Summary
	Events() []events.Event
	EquityCurve() []risk.EquityPoint
	OpenPositions() []position.Position
	ClosedPositions() []position.Position
}

// TradeQuerier 读取已持久化的成交。
type TradeQuerier interface {
	QueryTrades(ctx context.Context, q store.TradeQuery) ([]store.TradeRecord, error)
}

// SessionArchive 提供跨会话的事件归档查询。
type SessionArchive interface {
	Sessions(ctx context.Context) ([]string, error)
	Query(ctx context.Context, sessionID string, types ...events.Type) ([]events.Event, error)
}

// Router 暴露会话相关的查询接口。
type Router struct {
	View    SessionView
	Trades  TradeQuerier
	Archive SessionArchive
}

// NewRouter 构造 live HTTP router。
func NewRouter(view SessionView, trades TradeQuerier, archive SessionArchive) *Router {
	return &Router{View: view, Trades: trades, Archive: archive}
}

// Register 将 /api 路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/session/summary", r.handleSummary)
	group.GET("/session/events", r.handleEvents)
	group.GET("/session/equity", r.handleEquity)
	group.GET("/positions", r.handlePositions)
	group.GET("/trades", r.handleTrades)
	group.GET("/sessions", r.handleSessions)
	group.GET("/sessions/:id/events", r.handleArchivedEvents)
}

func (r *Router) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, r.View.Summary())
}

func (r *Router) handleEvents(c *gin.Context) {
	wanted := parseTypes(c.QueryArray("type"))
	sinceSeq, _ := strconv.ParseInt(c.DefaultQuery("since_seq", "0"), 10, 64)
	limit := clampLimit(c.DefaultQuery("limit", "500"), 500, 5000)

	all := r.View.Events()
	out := make([]events.Event, 0, len(all))
	for _, evt := range all {
		if evt.Seq <= sinceSeq {
			continue
		}
		if len(wanted) > 0 && !wanted[evt.Type] {
			continue
		}
		out = append(out, evt)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": r.View.SessionID(),
		"events":     out,
		"total":      len(all),
	})
}

func (r *Router) handleEquity(c *gin.Context) {
	curve := r.View.EquityCurve()
	limit := clampLimit(c.DefaultQuery("limit", "0"), len(curve), len(curve))
	if limit > 0 && len(curve) > limit {
		curve = curve[len(curve)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"session_id": r.View.SessionID(), "points": curve})
}

func (r *Router) handlePositions(c *gin.Context) {
	status := strings.ToLower(strings.TrimSpace(c.DefaultQuery("status", "open")))
	var list []position.Position
	switch status {
	case "open":
		list = r.View.OpenPositions()
	case "closed":
		list = r.View.ClosedPositions()
	case "all":
		list = append(r.View.ClosedPositions(), r.View.OpenPositions()...)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status 只能是 open/closed/all"})
		return
	}
	if sym := strings.TrimSpace(c.Query("symbol")); sym != "" {
		want := symbol.Compact(sym)
		filtered := list[:0:0]
		for _, p := range list {
			if p.Symbol == want {
				filtered = append(filtered, p)
			}
		}
		list = filtered
	}
	c.JSON(http.StatusOK, gin.H{"positions": list, "count": len(list)})
}

func (r *Router) handleTrades(c *gin.Context) {
	if r.Trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade store 未启用"})
		return
	}
	q := store.TradeQuery{
		SessionID: c.DefaultQuery("session_id", r.View.SessionID()),
		Symbol:    strings.TrimSpace(c.Query("symbol")),
		Limit:     clampLimit(c.DefaultQuery("limit", "100"), 100, 1000),
	}
	if since := strings.TrimSpace(c.Query("since")); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since 需为 RFC3339 时间"})
			return
		}
		q.Since = ts
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	trades, err := r.Trades.QueryTrades(ctx, q)
	if err != nil {
		logger.Errorf("[api] trades query failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (r *Router) handleSessions(c *gin.Context) {
	if r.Archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event archive 未启用"})
		return
	}
	ids, err := r.Archive.Sessions(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] sessions list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": ids, "current": r.View.SessionID()})
}

func (r *Router) handleArchivedEvents(c *gin.Context) {
	if r.Archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event archive 未启用"})
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	var types []events.Type
	for t := range parseTypes(c.QueryArray("type")) {
		types = append(types, t)
	}
	evts, err := r.Archive.Query(c.Request.Context(), id, types...)
	if err != nil {
		logger.Errorf("[api] archived events failed ip=%s session=%s err=%v", c.ClientIP(), id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(evts) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "events": evts})
}

// parseTypes 支持 ?type=A&type=B 与 ?type=A,B 两种写法。
func parseTypes(raw []string) map[events.Type]bool {
	out := make(map[events.Type]bool)
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out[events.Type(part)] = true
			}
		}
	}
	return out
}

func clampLimit(raw string, def, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		n = def
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}
