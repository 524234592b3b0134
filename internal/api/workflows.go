package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/workflow"
)

type CreateWorkflowRequest struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Target      string   `json:"target" binding:"required"`
	Tags        []string `json:"tags"`
}

type AddTaskRequest struct {
	Adapter   string                 `json:"adapter" binding:"required"`
	Options   map[string]interface{} `json:"options"`
	DependsOn []string               `json:"depends_on"`
}

func (s *Server) createWorkflow(c *gin.Context) {
	var req CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wf := s.workflows.CreateWorkflow(req.Name, req.Description, req.Target, req.Tags)
	c.JSON(http.StatusCreated, wf)
}

func (s *Server) listWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflows": s.workflows.List()})
}

func (s *Server) getWorkflow(c *gin.Context) {
	wf, err := s.workflows.GetWorkflowStatus(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// getWorkflowResults returns each task's result keyed by task id.
func (s *Server) getWorkflowResults(c *gin.Context) {
	wf, err := s.workflows.GetWorkflowStatus(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	results := make(map[string]interface{}, len(wf.Tasks))
	for _, t := range wf.Tasks {
		results[t.ID] = gin.H{
			"adapter": t.Adapter,
			"status":  t.Status,
			"result":  t.Result,
			"error":   t.Error,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"workflow_id": wf.ID,
		"status":      wf.Status,
		"blocked":     wf.Blocked,
		"results":     results,
	})
}

func (s *Server) getWorkflowFindings(c *gin.Context) {
	var filter workflow.FindingFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	page, err := s.workflows.GetFindings(c.Param("id"), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) exportWorkflow(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", "json"))
	data, err := s.workflows.Export(c.Param("id"), format)
	if err != nil {
		s.fail(c, err)
		return
	}
	contentType := "application/json"
	if format == "yaml" || format == "yml" {
		contentType = "application/yaml"
	}
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) addTask(c *gin.Context) {
	var req AddTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskID, err := s.workflows.AddTask(c.Param("id"), req.Adapter, req.Options, req.DependsOn)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": taskID})
}

func (s *Server) executeWorkflow(c *gin.Context) {
	id := c.Param("id")
	if err := s.workflows.ExecuteWorkflow(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": id, "status": "running"})
}

func (s *Server) cancelWorkflow(c *gin.Context) {
	id := c.Param("id")
	if err := s.workflows.CancelWorkflow(id); err != nil {
		s.fail(c, err)
		return
	}
	wf, err := s.workflows.GetWorkflowStatus(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (s *Server) saveWorkflow(c *gin.Context) {
	dir, err := s.workflows.SaveWorkflowResults(c.Param("id"))
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			s.fail(c, err)
			return
		}
		s.logger.Errorw("Failed to save workflow results", "workflow_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": dir})
}
