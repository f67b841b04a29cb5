package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tabula-backend/internal/ingest"
	"tabula-backend/internal/tenant"
)

type provisionResponse struct {
	Message string `json:"message"`
	*tenant.Result
}

// createDatabaseHandler provisions a database and table from a multipart
// form, loading the optional csvFile part.
func (app *App) createDatabaseHandler(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, app.Config.MaxUploadBytes)
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		app.respondError(c, formError(err))
		return
	}

	req := tenant.Request{
		Database:       strings.TrimSpace(c.PostForm("databaseName")),
		Table:          strings.TrimSpace(c.PostForm("tableName")),
		OrganizationID: c.GetString(organizationIDKey),
	}
	if req.Database == "" || req.Table == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "databaseName and tableName are required"})
		return
	}

	mode, err := tenant.ParseMode(c.PostForm("onConflict"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	req.OnConflict = mode

	if raw := strings.TrimSpace(c.PostForm("columns")); raw != "" {
		if err := decodeJSON(strings.NewReader(raw), &req.Columns); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid columns: " + err.Error()})
			return
		}
	}

	file, err := c.FormFile("csvFile")
	switch {
	case err == nil:
		rows, err := app.openUpload(file)
		if err != nil {
			app.respondError(c, err)
			return
		}
		req.Rows = rows
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		app.respondError(c, formError(err))
		return
	}

	result, err := app.Provisioner.Provision(c.Request.Context(), req)
	if err != nil {
		app.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, provisionResponse{
		Message: fmt.Sprintf("Table %s.%s is ready", result.Database, result.Table),
		Result:  result,
	})
}

// openUpload spools the uploaded part into UPLOAD_DIR and opens it. The
// returned reader removes the spooled file when closed.
func (app *App) openUpload(fh *multipart.FileHeader) (*ingest.Reader, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, formError(err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(app.Config.UploadDir, "upload-*.csv")
	if err != nil {
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}

	app.Logger.Debug("spooled upload", zap.String("file", fh.Filename), zap.Int64("bytes", fh.Size))
	return ingest.Open(tmp.Name())
}

// formError keeps size violations distinguishable and reports everything
// else about the form as malformed input.
func formError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	return &ingest.MalformedInputError{Reason: "invalid form: " + err.Error(), Err: err}
}

func (app *App) listDatabasesHandler(c *gin.Context) {
	list, err := app.Provisioner.ListDatabases(c.Request.Context())
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (app *App) getColumnsHandler(c *gin.Context) {
	cols, err := app.Provisioner.Columns(c.Request.Context(), c.Param("database"), c.Param("table"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cols)
}

func (app *App) addColumnHandler(c *gin.Context) {
	var spec tenant.ColumnSpec
	if err := decodeJSON(c.Request.Body, &spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}

	cols, err := app.Provisioner.AddColumn(c.Request.Context(), c.Param("database"), c.Param("table"), spec)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cols)
}

func (app *App) updateColumnHandler(c *gin.Context) {
	var req struct {
		Type string `json:"type"`
	}
	if err := decodeJSON(c.Request.Body, &req); err != nil || req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: type is required"})
		return
	}

	cols, err := app.Provisioner.RetypeColumn(c.Request.Context(), c.Param("database"), c.Param("table"), c.Param("column"), req.Type)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cols)
}

func (app *App) deleteColumnHandler(c *gin.Context) {
	cols, err := app.Provisioner.DropColumn(c.Request.Context(), c.Param("database"), c.Param("table"), c.Param("column"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cols)
}

// decodeJSON decodes one JSON value keeping numbers as json.Number.
func decodeJSON(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}
