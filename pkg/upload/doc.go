// Package upload stores files received as multipart bodies until the
// application claims them.
//
// Uploads are streamed: each file section of a multipart body is piped
// into a Store as it is decoded, so memory use does not grow with file
// size. The store returns a temp ID which the client sends back with a
// later request; the handler for that request calls Claim to take the
// file.
//
//	store, _ := upload.NewDiskStore("/var/tmp/uploads", 50<<20)
//	r.Post("/upload", upload.Handler(store, nil))
//
// Inside an engine operation with a streaming body:
//
//	st := server.BodyAs[*multipart.Stream](call)
//	spool := upload.NewSpool(call.Request.Context(), store, nil)
//	st.ReadAllSections(spool.Write)
//	files, err := spool.Finish(st.Err())
//
// # Security
//
// Config.AllowedTypes is checked against the type detected from the first
// bytes of each file (http.DetectContentType). The client-declared part
// Content-Type is stored but not trusted.
package upload
