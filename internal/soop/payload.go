package soop

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// callPrefix matches a JSONP-style "name(" head such as "callback(" or "cb(".
var callPrefix = regexp.MustCompile(`^[A-Za-z_$][\w$.]*\(`)

// unwrapPayload strips a call-like envelope and a trailing ';'.
func unwrapPayload(raw []byte) []byte {
	b := bytes.TrimSpace(raw)
	b = bytes.TrimSuffix(b, []byte(";"))
	b = bytes.TrimSpace(b)
	if loc := callPrefix.FindIndex(b); loc != nil && bytes.HasSuffix(b, []byte(")")) {
		b = b[loc[1] : len(b)-1]
	}
	b = bytes.TrimSpace(b)
	return bytes.TrimSuffix(b, []byte(";"))
}

// decodeObject returns the top-level fields of a JSON object, or nil for an empty
// body or "{}".
func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	b := unwrapPayload(raw)
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &MalformedResponseError{Body: truncate(string(raw), 200), Err: err}
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// scalar renders a JSON string or number as text. null, "", 0 and non-scalars yield "".
func scalar(raw json.RawMessage) string {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 {
		return ""
	}
	switch b[0] {
	case '"':
		var s string
		if json.Unmarshal(b, &s) != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		s := string(b)
		if f, err := strconv.ParseFloat(s, 64); err != nil || f == 0 {
			return ""
		}
		return s
	default:
		return ""
	}
}

func scalarInt(raw json.RawMessage) (int, bool) {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 || string(b) == "null" {
		return 0, false
	}
	var s string
	if b[0] == '"' {
		if json.Unmarshal(b, &s) != nil {
			return 0, false
		}
	} else {
		s = string(b)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseChannelInfo maps the per-channel broadcast section to LiveInfo.
// A nil result means the channel is not broadcasting.
func parseChannelInfo(channelID string, raw []byte) (*LiveInfo, error) {
	m, err := decodeObject(raw)
	if err != nil || m == nil {
		return nil, err
	}
	info := &LiveInfo{
		ChannelID:   channelID,
		BroadcastID: scalar(m["broadNo"]),
		Title:       scalar(m["broadTitle"]),
		Category:    scalar(m["categoryName"]),
	}
	if v, ok := scalarInt(m["currentSumViewer"]); ok {
		info.Viewers = &v
	}
	return info, nil
}

type listItem struct {
	UserID     string
	BroadNo    string
	BroadTitle string
}

type listPage struct {
	Items     []listItem
	TotalCnt  int
	PageBlock int
}

// parseListPage decodes one page of the legacy listing. Non-object items are skipped.
func parseListPage(raw []byte) (listPage, error) {
	var page listPage
	m, err := decodeObject(raw)
	if err != nil || m == nil {
		return page, err
	}
	page.TotalCnt, _ = scalarInt(m["total_cnt"])
	page.PageBlock, _ = scalarInt(m["page_block"])

	var items []json.RawMessage
	if json.Unmarshal(m["broad"], &items) != nil {
		return page, nil
	}
	for _, it := range items {
		var obj map[string]json.RawMessage
		if json.Unmarshal(it, &obj) != nil || obj == nil {
			continue
		}
		page.Items = append(page.Items, listItem{
			UserID:     scalar(obj["user_id"]),
			BroadNo:    scalar(obj["broad_no"]),
			BroadTitle: scalar(obj["broad_title"]),
		})
	}
	return page, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
