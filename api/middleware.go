package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DecompressRequest inflates gzip-encoded request bodies before the JSON
// handlers read them. The inflated stream is capped at the same limit the
// handlers apply to plain bodies, so a small compressed payload cannot expand
// without bound. Bodies that do not decode as gzip are rejected with 400.
func DecompressRequest() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.Contains(strings.ToLower(req.Header.Get(echo.HeaderContentEncoding)), "gzip") {
				return next(c)
			}

			zr, err := gzip.NewReader(req.Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &inflatedBody{
				Reader: io.LimitReader(zr, postEventMaxSize),
				zr:     zr,
				raw:    req.Body,
			}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

type inflatedBody struct {
	io.Reader
	zr  *gzip.Reader
	raw io.ReadCloser
}

func (b *inflatedBody) Close() error {
	err := b.zr.Close()
	if cerr := b.raw.Close(); err == nil {
		err = cerr
	}
	return err
}
