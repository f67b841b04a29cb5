package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tabula-backend/internal/ident"
	"tabula-backend/internal/keys"
	"tabula-backend/internal/query"
)

// executor builds a query executor for the table bound to the request's
// API key.
func (app *App) executor(c *gin.Context) (*query.Executor, bool) {
	resolved := c.MustGet(tenantKey).(*keys.Resolved)
	if keys.IsReserved(resolved.Binding.Table) {
		app.Logger.Warn("refusing key bound to a key registry table",
			zap.String("database", resolved.Binding.Database), zap.String("table", resolved.Binding.Table))
		app.respondError(c, keys.ErrInvalidAPIKey)
		return nil, false
	}
	pool := resolved.DB
	exec, err := query.New(c.Request.Context(), pool, pool.Dialect(), resolved.Binding.Table,
		query.WithMaxPageSize(app.Config.MaxPageSize))
	if err != nil {
		app.reportTenant(resolved, err)
		app.respondError(c, err)
		return nil, false
	}
	return exec, true
}

// reportTenant evicts the tenant pool after a fatal engine error.
func (app *App) reportTenant(resolved *keys.Resolved, err error) {
	if name, perr := ident.Parse(resolved.Binding.Database); perr == nil {
		app.Registry.Report(name, err)
	}
}

func (app *App) listDataHandler(c *gin.Context) {
	opts, err := query.ParseOData(c.Request.URL.Query())
	if err != nil {
		app.respondError(c, err)
		return
	}
	exec, ok := app.executor(c)
	if !ok {
		return
	}

	page, err := exec.List(c.Request.Context(), opts)
	if err != nil {
		app.reportTenant(c.MustGet(tenantKey).(*keys.Resolved), err)
		app.respondError(c, err)
		return
	}
	rows := page.Rows
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	if page.Count != nil {
		c.JSON(http.StatusOK, gin.H{"@odata.count": *page.Count, "value": rows})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (app *App) getDataHandler(c *gin.Context) {
	exec, ok := app.executor(c)
	if !ok {
		return
	}
	row, err := exec.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (app *App) createDataHandler(c *gin.Context) {
	var fields map[string]interface{}
	if err := decodeJSON(c.Request.Body, &fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	exec, ok := app.executor(c)
	if !ok {
		return
	}

	row, err := exec.Create(c.Request.Context(), fields)
	if err != nil {
		app.reportTenant(c.MustGet(tenantKey).(*keys.Resolved), err)
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

func (app *App) updateDataHandler(c *gin.Context) {
	var fields map[string]interface{}
	if err := decodeJSON(c.Request.Body, &fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	exec, ok := app.executor(c)
	if !ok {
		return
	}

	row, err := exec.Update(c.Request.Context(), c.Param("id"), fields)
	if err != nil {
		app.reportTenant(c.MustGet(tenantKey).(*keys.Resolved), err)
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (app *App) deleteDataHandler(c *gin.Context) {
	exec, ok := app.executor(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := exec.Delete(c.Request.Context(), id); err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Row deleted", "id": id})
}
