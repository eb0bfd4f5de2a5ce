package auth

import (
	"html/template"
	"net/http"

	"github.com/mnehpets/accessgate/endpoint"
)

// Error codes carried by the error route.
const (
	CodeInitFailed         = "init_failed"
	CodeAccessDenied       = "access_denied"
	CodeMissingCode        = "missing_code"
	CodeMissingState       = "missing_state"
	CodeInvalidState       = "invalid_state"
	CodeStateExpired       = "state_expired"
	CodeInvalidStateData   = "invalid_state_data"
	CodeCodeExchangeFailed = "code_exchange_failed"
	CodeFailedToGetUser    = "failed_to_get_user"
	CodeCallbackFailed     = "callback_failed"
)

type errorText struct {
	Title       string
	Description string
}

var errorTexts = map[string]errorText{
	CodeInitFailed:         {"Sign-in unavailable", "We could not start the sign-in process. Please try again in a moment."},
	CodeAccessDenied:       {"Sign-in cancelled", "Access was not granted. You can start again whenever you are ready."},
	CodeMissingCode:        {"Incomplete sign-in", "The sign-in response did not include an authorization code."},
	CodeMissingState:       {"Incomplete sign-in", "The sign-in response did not include its security state."},
	CodeInvalidState:       {"Security check failed", "This sign-in attempt could not be matched to your browser. Please start again."},
	CodeStateExpired:       {"Sign-in expired", "This sign-in attempt took too long and has expired. Please start again."},
	CodeInvalidStateData:   {"Security check failed", "The sign-in security data was unreadable. Please start again."},
	CodeCodeExchangeFailed: {"Sign-in failed", "We could not complete sign-in with the provider. Please try again."},
	CodeFailedToGetUser:    {"Sign-in failed", "We could not load your account details from the provider."},
	CodeCallbackFailed:     {"Something went wrong", "An unexpected error occurred while signing you in."},
}

var defaultErrorText = errorText{"Sign-in failed", "An unknown error occurred during sign-in."}

var errorPage = template.Must(template.New("oauth-error").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:32rem;margin:4rem auto;padding:0 1rem;color:#222}
a.button{display:inline-block;margin-top:1rem;padding:.5rem 1rem;border-radius:.25rem;background:#222;color:#fff;text-decoration:none}
code{color:#666}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Description}}</p>
{{if .Code}}<p><code>{{.Code}}</code></p>{{end}}
<a class="button" href="{{.RetryURL}}">Try again</a>
<p><a href="/">Back to home</a></p>
</body>
</html>
`))

// ErrorPageParams are the query parameters of the error route.
type ErrorPageParams struct {
	Code string `query:"error"`
}

type errorPageValues struct {
	Title       string
	Description string
	Code        string
	RetryURL    string
}

// ErrorPage renders the human-readable page behind the error route.
func (h *Handler) ErrorPage(w http.ResponseWriter, r *http.Request, params ErrorPageParams) (endpoint.Renderer, error) {
	code := params.Code
	text, ok := errorTexts[code]
	if !ok {
		text, code = defaultErrorText, ""
	}
	return &endpoint.HTMLTemplateRenderer{
		Status:   http.StatusOK,
		Template: errorPage,
		Values: errorPageValues{
			Title:       text.Title,
			Description: text.Description,
			Code:        code,
			RetryURL:    h.routes.Init,
		},
	}, nil
}
