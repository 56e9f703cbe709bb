package upload

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-dev/webengine/pkg/multipart"
)

type handlerFile struct {
	Result
	Error string `json:"error,omitempty"`
}

type handlerResponse struct {
	TempID string            `json:"temp_id,omitempty"`
	Files  []handlerFile     `json:"files"`
	Fields map[string]string `json:"fields"`
}

// Handler returns an HTTP handler that streams every file of a multipart
// POST into store. The JSON response lists the files with their temp IDs;
// temp_id repeats the ID of the section named "file".
func Handler(store Store, config *Config) http.Handler {
	if config == nil {
		config = DefaultConfig()
	}
	maxSize := config.MaxRequestSize
	if maxSize <= 0 {
		maxSize = DefaultConfig().MaxRequestSize
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxSize)

		stream, err := multipart.NewStream(r.Body)
		if err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}

		spool := NewSpool(r.Context(), store, config)
		sections := spool.ReadAll(stream)
		results, err := spool.Finish(stream.Err())
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}

		resp := handlerResponse{
			Files:  make([]handlerFile, 0, len(results)),
			Fields: make(map[string]string),
		}
		for _, section := range sections {
			if !section.IsFile() {
				resp.Fields[section.Name] = section.Value()
			}
		}
		failed := 0
		for _, res := range results {
			f := handlerFile{Result: res}
			if res.Err != nil {
				f.Error = res.Err.Error()
				failed++
			} else if res.Field == "file" && resp.TempID == "" {
				resp.TempID = res.TempID
			}
			resp.Files = append(resp.Files, f)
		}

		status := http.StatusOK
		switch {
		case len(results) == 0:
			http.Error(w, "No file provided", http.StatusBadRequest)
			return
		case failed == len(results):
			status = statusFor(results[0].Err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrTypeNotAllowed):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}
