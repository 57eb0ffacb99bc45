package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/pulsegram/notifsync/internal/api/handlers/feed"
)

func New(handler *feed.Handler) *ginext.Engine {
	e := ginext.New()
	e.Use(ginext.Logger())
	e.Use(ginext.Recovery())

	api := e.Group("/api/feed")

	api.GET("/notifications", handler.List)
	api.GET("/notifications/unread_count", handler.UnreadCount)
	api.POST("/notifications/read_all", handler.MarkAllRead)
	api.POST("/notifications/:id/read", handler.MarkRead)
	api.DELETE("/notifications/:id", handler.Delete)
	api.POST("/requests/:id", handler.Resolve)

	return e
}
