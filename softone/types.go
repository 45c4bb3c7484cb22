package softone

import (
	"encoding/json"
	"strings"
)

type Credentials struct {
	BaseURL  string
	Username string
	Password string
	AppId    string
	Company  string
	Branch   string
	Module   string
	RefId    string
}

// Token is an authenticated SoftOne session. It is returned by Authenticate and
// passed to every later call; the client keeps no session of its own.
type Token struct {
	ClientID string
	BaseURL  string
	AppId    string
}

func (t Token) Valid() bool {
	return strings.TrimSpace(t.ClientID) != "" && strings.TrimSpace(t.BaseURL) != ""
}

type PageRequest struct {
	Table  string
	List   string
	Fields []string
	Filter string
	Offset int
	Limit  int
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Row is one ERP row, either positional (Values, ordered like Page.Columns)
// or keyed (Fields).
type Row struct {
	Values []any
	Fields map[string]any
}

func (r Row) Keyed() bool {
	return r.Fields != nil
}

type Page struct {
	Columns    []Column
	Rows       []Row
	TotalCount int
}

// wire shapes

type envelope struct {
	Success    bool             `json:"success"`
	ErrorCode  json.Number      `json:"errorcode"`
	Error      string           `json:"error"`
	ClientID   string           `json:"clientID"`
	ReqID      string           `json:"reqID"`
	TotalCount json.Number      `json:"totalcount"`
	Fields     []Column         `json:"fields"`
	Rows       json.RawMessage  `json:"rows"`
	ID         json.RawMessage  `json:"id"`
	Objs       []map[string]any `json:"objs"`
}
