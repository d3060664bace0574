package route

import (
	"bytes"
	"fmt"
	"net/http"
)

// IndexHandler serves the static home page listing every route. The page is
// rendered once; no subprocess work happens here.
func IndexHandler(t *Table) http.Handler {
	var page bytes.Buffer
	page.WriteString("<h1>HOME PAGE</h1>\n")
	for _, s := range t.Specs() {
		fmt.Fprintf(&page, "<p>go to %s to %s</p>\n", s.Path, s.Description)
	}
	body := page.Bytes()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
}
