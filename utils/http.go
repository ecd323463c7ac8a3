package utils

import "github.com/valyala/fasthttp"

func setNoCacheHeaders(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")

	if requestID := string(ctx.Request.Header.Peek("X-Request-ID")); requestID != "" {
		ctx.Response.Header.Set("X-Request-ID", requestID)
	}
}

// WriteJSON encodes v with sonic and writes it with the given status code.
func WriteJSON(ctx *fasthttp.RequestCtx, statusCode int, v interface{}) error {
	body, err := Marshal(v)
	if err != nil {
		CreateErrorResponse(ctx, fasthttp.StatusInternalServerError, err.Error())
		return err
	}

	setNoCacheHeaders(ctx)
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(statusCode)
	ctx.SetBody(body)
	return nil
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx, statusCode int, message string) {
	setNoCacheHeaders(ctx)
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")

	body, err := Marshal(map[string]string{
		"error":   fasthttp.StatusMessage(statusCode),
		"message": message,
	})
	if err != nil {
		ctx.SetBodyString(`{"error":"Internal Server Error","message":"An unexpected error occurred"}`)
		return
	}

	ctx.SetBody(body)
}
