package oauth

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-gateway-auth/security"
)

// loginPage is the data of the sign-in form.
type loginPage struct {
	RequestID  string
	ClientName string
	Scope      string
	Username   string
	Error      string
}

// Scopes splits the requested scope for display.
func (p loginPage) Scopes() []string {
	return strings.Fields(p.Scope)
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign in</title>
<style>
body{font-family:sans-serif;max-width:24rem;margin:4rem auto;padding:0 1rem}
label,input,button{display:block;width:100%;box-sizing:border-box}
input{margin:.25rem 0 1rem;padding:.5rem}
button{padding:.6rem}
.error{color:#b00020}
</style>
</head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p class="error" role="alert">{{.Error}}</p>{{end}}
{{if .RequestID}}
<p><strong>{{.ClientName}}</strong> is requesting access to the MCP gateway.</p>
{{with .Scopes}}<ul>{{range .}}<li>{{.}}</li>{{end}}</ul>{{end}}
<form method="post" action="/authorize">
<input type="hidden" name="request_id" value="{{.RequestID}}">
<label for="username">Username</label>
<input id="username" name="username" autocomplete="username" value="{{.Username}}" required autofocus>
<label for="password">Password</label>
<input id="password" name="password" type="password" autocomplete="current-password" required>
<button type="submit">Sign in</button>
</form>
{{end}}
</body>
</html>
`))

func (h *Handler) renderLogin(w http.ResponseWriter, status int, page loginPage) {
	security.SetSecurityHeaders(w, security.PageContentSecurityPolicy, h.tls)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginTemplate.Execute(w, page); err != nil {
		h.logger.Error("Failed to render sign-in page", "error", err)
	}
}

// renderLoginError shows an error page without a form.
func (h *Handler) renderLoginError(w http.ResponseWriter, status int, message string) {
	h.renderLogin(w, status, loginPage{Error: message})
}
