package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/agentdesk/internal/dispatch"
	"github.com/zulandar/agentdesk/internal/llm"
)

// maxUpload bounds the in-memory part of a sandbox form.
const maxUpload = 32 << 20

type sandboxRequest struct {
	Messages  []dispatch.SandboxMessage `json:"messages"`
	InputText string                    `json:"input_text"`
}

// handleSandbox answers a test conversation. Multipart forms carry the turns
// as a JSON messages field plus uploads whose text joins the last user turn.
func (s *Server) handleSandbox(c *gin.Context) {
	var (
		msgs  []dispatch.SandboxMessage
		input string
	)
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		var ok bool
		if msgs, input, ok = s.sandboxForm(c); !ok {
			return
		}
	} else {
		var req sandboxRequest
		if err := c.ShouldBindJSON(&req); err == nil {
			msgs, input = req.Messages, req.InputText
		}
	}
	if len(msgs) == 0 && input != "" {
		msgs = []dispatch.SandboxMessage{{Role: llm.RoleUser, Content: input}}
	}
	if len(msgs) == 0 {
		respondError(c, http.StatusBadRequest, "Sandbox requires messages")
		return
	}

	agentID := c.Param("id")
	res, err := s.opts.Agents.Sandbox(c.Request.Context(), agentID, msgs)
	if errors.Is(err, dispatch.ErrNotFound) {
		respondError(c, http.StatusNotFound, "Agent not found")
		return
	}
	if err != nil || res.Status != dispatch.StatusOK {
		if err != nil {
			log.Printf("api: sandbox agent %s: %v", agentID, err)
		}
		respondError(c, http.StatusInternalServerError, "Sandbox failed")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) sandboxForm(c *gin.Context) ([]dispatch.SandboxMessage, string, bool) {
	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, http.StatusBadRequest, "Invalid multipart form")
		return nil, "", false
	}
	input := strings.TrimSpace(formValue(form, "message"))
	if input == "" {
		input = strings.TrimSpace(formValue(form, "input_text"))
	}
	var msgs []dispatch.SandboxMessage
	if raw := formValue(form, "messages"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
			respondError(c, http.StatusBadRequest, "Invalid messages payload")
			return nil, "", false
		}
	}

	var blocks []string
	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		for _, fh := range form.File[field] {
			blocks = append(blocks, s.uploadBlock(c, fh))
		}
	}
	log.Printf("api: sandbox form with %d files", len(blocks))
	if len(blocks) == 0 {
		return msgs, input, true
	}

	block := strings.Join(blocks, "\n\n")
	switch {
	case len(msgs) > 0 && msgs[len(msgs)-1].Role == llm.RoleUser:
		last := &msgs[len(msgs)-1]
		last.Content = strings.TrimSpace(last.Content + "\n\n" + block)
	case input != "":
		msgs = append(msgs, dispatch.SandboxMessage{Role: llm.RoleUser, Content: input + "\n\n" + block})
	default:
		msgs = append(msgs, dispatch.SandboxMessage{Role: llm.RoleUser, Content: block})
	}
	return msgs, input, true
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// uploadBlock renders one upload as "[name]\ntext". Files without readable
// text are still announced.
func (s *Server) uploadBlock(c *gin.Context, fh *multipart.FileHeader) string {
	name := fh.Filename
	if name == "" {
		name = "arquivo"
	}
	var text string
	if s.opts.Media != nil {
		if data, err := readUpload(fh); err != nil {
			log.Printf("api: sandbox upload %s: %v", name, err)
		} else if text, err = s.opts.Media.Extract(c.Request.Context(), data, fh.Filename, fh.Header.Get("Content-Type")); err != nil {
			log.Printf("api: sandbox upload %s: %v", name, err)
			text = ""
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = "Arquivo recebido: " + name
	}
	return "[" + name + "]\n" + text
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxUpload))
}
