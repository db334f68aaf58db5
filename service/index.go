package service

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/InsulaLabs/edgegate/db/models"
	"github.com/InsulaLabs/edgegate/registry"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>edgegate files</title>
  <style>
    body { font-family: sans-serif; margin: 0; }
    nav { background: #0d6efd; color: #fff; padding: 0.75em 1em; }
    nav a { color: #fff; text-decoration: none; font-weight: bold; }
    .container { max-width: 960px; margin: 0 auto; padding: 0 1em; }
    .card { margin: 1em 0; padding: 1em; border: 1px solid #ddd; border-radius: 4px; text-align: center; }
    .files { display: flex; justify-content: space-between; flex-wrap: wrap; }
    figure { margin: 0.5em 0; }
    figure img { height: 200px; width: auto; }
    figcaption { font-size: 0.8em; color: #555; }
  </style>
</head>
<body>
  <nav><div class="container"><a href="/">edgegate files</a></div></nav>
  <div class="container">
    <div class="card">
      <h3>Upload new File</h3>
      <form method="post" action="{{.UploadPath}}" enctype="multipart/form-data">
        <input type="file" accept=".png, .jpeg, .jpg, .gif" name="{{.UploadField}}" multiple>
        <input type="submit" value="Upload">
      </form>
    </div>
    <div class="files">
      {{range .Files}}
      <figure>
        <img src="{{.URL}}" alt="{{.Name}}">
        <figcaption>{{.Name}} ({{.Size}} bytes)</figcaption>
      </figure>
      {{else}}
      <p>No files uploaded yet.</p>
      {{end}}
    </div>
  </div>
</body>
</html>
`))

type indexPage struct {
	UploadPath  string
	UploadField string
	Files       []models.FileEntry
}

func (s *Service) indexHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.gateway.CollectFiles(r.Context())
	if err != nil {
		s.logger.Error("Could not list files for index page", "error", err)
		s.writeError(w, &registry.Error{Kind: registry.KindStoreUnavailable, Reason: "file store unavailable", Err: err})
		return
	}

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, indexPage{
		UploadPath:  PathUploadFiles,
		UploadField: UploadField,
		Files:       entries,
	}); err != nil {
		s.logger.Error("Could not render index page", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
