package handlers

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/postsync/postsync/internal/view"
	"github.com/postsync/postsync/pkg/logger"
)

//go:embed templates/index.html
var templates embed.FS

var indexTmpl = template.Must(template.New("index.html").Funcs(template.FuncMap{
	"date": func(t time.Time) string { return t.Local().Format("2006-01-02 15:04") },
	"inc":  func(n int) int { return n + 1 },
	"dec":  func(n int) int { return n - 1 },
}).ParseFS(templates, "templates/index.html"))

// PostsController is the part of view.Controller the page drives.
type PostsController interface {
	Snapshot() view.State
	Submit(ctx context.Context, title, content string) error
	StartEditing(id string) error
	CancelEditing()
	Delete(ctx context.Context, id string) error
	ChangePage(n int) bool
}

// RegisterUIRoutes mounts the posts page and its form actions. Every action
// redirects back to the current page; failures surface in the page's error
// banner.
func RegisterUIRoutes(r gin.IRouter, ctl PostsController) {
	r.GET("/", func(c *gin.Context) {
		if raw := c.Query("page"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				ctl.ChangePage(n)
			}
		}
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.Status(http.StatusOK)
		if err := indexTmpl.Execute(c.Writer, ctl.Snapshot()); err != nil {
			logger.Errorf("render index: %v", err)
		}
	})

	r.GET("/api/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctl.Snapshot())
	})

	r.POST("/posts", func(c *gin.Context) {
		if err := ctl.Submit(c.Request.Context(), c.PostForm("title"), c.PostForm("content")); err != nil {
			logger.Debugf("submit: %v", err)
		}
		back(c, ctl)
	})

	r.POST("/posts/:id/edit", func(c *gin.Context) {
		if err := ctl.StartEditing(c.Param("id")); err != nil {
			logger.Debugf("edit %s: %v", c.Param("id"), err)
		}
		back(c, ctl)
	})

	r.POST("/edit/cancel", func(c *gin.Context) {
		ctl.CancelEditing()
		back(c, ctl)
	})

	r.POST("/posts/:id/delete", func(c *gin.Context) {
		if err := ctl.Delete(c.Request.Context(), c.Param("id")); err != nil {
			logger.Debugf("delete %s: %v", c.Param("id"), err)
		}
		back(c, ctl)
	})
}

func back(c *gin.Context, ctl PostsController) {
	c.Redirect(http.StatusSeeOther, fmt.Sprintf("/?page=%d", ctl.Snapshot().CurrentPage))
}
