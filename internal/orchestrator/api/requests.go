// Package api provides REST API handlers for the orchestrator service.
package api

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strconv"
	"strings"
)

// Upload form defaults for the copyright portal
const (
	DefaultLoginType  = "机构"
	DefaultSubmitRole = "申请人"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Code     int               `json:"code"`
	Messages string            `json:"messages"`
	Data     map[string]string `json:"data"`
}

// UploadForm holds the multipart fields of POST /tasks/enqueue/upload
type UploadForm struct {
	TaskID        string
	LoginUsername string
	LoginPassword string
	LoginType     string
	SubmitRole    string
	ConfigJSON    string
	Cleanup       bool
	Headless      *bool
}

// parseUploadForm reads the optional form fields, applying defaults
func parseUploadForm(form *multipart.Form) (*UploadForm, error) {
	value := func(key string) (string, bool) {
		vals, ok := form.Value[key]
		if !ok || len(vals) == 0 {
			return "", false
		}
		return vals[0], true
	}

	f := &UploadForm{
		LoginType:  DefaultLoginType,
		SubmitRole: DefaultSubmitRole,
		Cleanup:    true,
	}
	if v, ok := value("task_id"); ok {
		f.TaskID = strings.TrimSpace(v)
	}
	if v, ok := value("login_username"); ok {
		f.LoginUsername = v
	}
	if v, ok := value("login_password"); ok {
		f.LoginPassword = v
	}
	if v, ok := value("login_type"); ok && strings.TrimSpace(v) != "" {
		f.LoginType = v
	}
	if v, ok := value("submit_role"); ok && strings.TrimSpace(v) != "" {
		f.SubmitRole = v
	}
	if v, ok := value("config_json"); ok {
		f.ConfigJSON = v
	}
	if v, ok := value("cleanup"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("cleanup must be a boolean")
		}
		f.Cleanup = b
	}
	if v, ok := value("headless"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("headless must be a boolean")
		}
		f.Headless = &b
	}
	return f, nil
}

// Overrides builds the task config: login fields first, then config_json on top
func (f *UploadForm) Overrides() (map[string]interface{}, error) {
	overrides := map[string]interface{}{
		"login_username": f.LoginUsername,
		"login_password": f.LoginPassword,
		"login_type":     f.LoginType,
		"submit_role":    f.SubmitRole,
	}
	if strings.TrimSpace(f.ConfigJSON) == "" {
		return overrides, nil
	}

	var extra interface{}
	if err := json.Unmarshal([]byte(f.ConfigJSON), &extra); err != nil {
		return nil, fmt.Errorf("config_json is not valid JSON: %w", err)
	}
	obj, ok := extra.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("config_json must be a JSON object")
	}
	for k, v := range obj {
		overrides[k] = v
	}
	return overrides, nil
}

func isZipName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}
