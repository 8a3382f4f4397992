package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"content_recommend/internal/abtest"
	"content_recommend/internal/feedback"
	"content_recommend/internal/logger"
	"content_recommend/internal/model"
	"content_recommend/internal/task"
)

// defaultSize 查询参数未指定 size 时的条数
const defaultSize = 10

// writeError 把领域错误映射为状态码
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidRequest),
		errors.Is(err, abtest.ErrInvalidExperiment),
		errors.Is(err, abtest.ErrUnknownGroup),
		errors.Is(err, abtest.ErrUnknownMetric):
		status = http.StatusBadRequest
	case errors.Is(err, abtest.ErrExperimentNotFound),
		errors.Is(err, task.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, abtest.ErrDuplicateName),
		errors.Is(err, abtest.ErrInvalidTransition),
		errors.Is(err, abtest.ErrNotRunning):
		status = http.StatusConflict
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// handleContent GET /recommend/content
func (s *Server) handleContent(c *gin.Context) {
	size := defaultSize
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(c, errors.Join(model.ErrInvalidRequest, errors.New("size must be an integer")))
			return
		}
		size = n
	}
	req := &model.RecommendRequest{
		UserID:      c.Query("userId"),
		Size:        size,
		ContentType: model.ContentType(c.Query("contentType")),
		Scene:       c.Query("scene"),
		CategoryID:  c.Query("categoryId"),
		Context:     make(map[string]string),
	}
	for param, key := range map[string]string{
		"deviceType": model.CtxDevice,
		"location":   model.CtxLocation,
		"network":    model.CtxNetwork,
		"timeOfDay":  model.CtxTimeOfDay,
	} {
		if v := strings.TrimSpace(c.Query(param)); v != "" {
			req.Context[key] = v
		}
	}
	s.recommend(c, req)
}

// handleBatch POST /recommend/batch
func (s *Server) handleBatch(c *gin.Context) {
	var req model.RecommendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Join(model.ErrInvalidRequest, err))
		return
	}
	s.recommend(c, &req)
}

func (s *Server) recommend(c *gin.Context, req *model.RecommendRequest) {
	if req.RequestID == "" {
		req.RequestID = c.GetString("request_id")
	}
	resp, err := s.deps.Recommend.Recommend(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleFeedback POST /recommend/feedback，缓冲区满时丢弃并记录日志
func (s *Server) handleFeedback(c *gin.Context) {
	var ev feedback.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		s.writeError(c, errors.Join(model.ErrInvalidRequest, err))
		return
	}
	taskID, err := s.deps.Feedback.Submit(ev)
	if err != nil && !errors.Is(err, feedback.ErrBufferFull) {
		s.writeError(c, err)
		return
	}
	if taskID != "" {
		c.Header("X-Task-ID", taskID)
	}
	c.Status(http.StatusOK)
}

// handleGroup GET /abtest/group，返回纯文本分组名
func (s *Server) handleGroup(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("userId"))
	name := strings.TrimSpace(c.Query("experimentName"))
	if userID == "" || name == "" {
		s.writeError(c, errors.Join(model.ErrInvalidRequest, errors.New("userId and experimentName are required")))
		return
	}
	c.String(http.StatusOK, s.deps.Experiments.AssignGroupByName(userID, name))
}

func (s *Server) handleCreateExperiment(c *gin.Context) {
	var exp abtest.Experiment
	if err := c.ShouldBindJSON(&exp); err != nil {
		s.writeError(c, errors.Join(abtest.ErrInvalidExperiment, err))
		return
	}
	created, err := s.deps.Experiments.Create(exp)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListExperiments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"experiments": s.deps.Experiments.List()})
}

func (s *Server) handleGetExperiment(c *gin.Context) {
	exp, err := s.deps.Experiments.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exp)
}

func (s *Server) handleTransition(fn func(*abtest.Store, string) (*abtest.Experiment, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		exp, err := fn(s.deps.Experiments, c.Param("id"))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, exp)
	}
}

type metricRequest struct {
	Group  string  `json:"group"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

func (s *Server) handleRecordMetric(c *gin.Context) {
	var body metricRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, errors.Join(model.ErrInvalidRequest, err))
		return
	}
	if err := s.deps.Experiments.RecordMetric(c.Param("id"), body.Group, body.Metric, body.Value); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleResults(c *gin.Context) {
	results, err := s.deps.Experiments.Results(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"experimentId": c.Param("id"), "groups": results})
}

func (s *Server) handleStatisticalTest(c *gin.Context) {
	metric := strings.ToLower(c.DefaultQuery("metric", "ctr"))
	results, err := s.deps.Experiments.StatisticalTest(c.Param("id"), metric)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"experimentId": c.Param("id"), "metric": metric, "results": results})
}

// handleRealtime GET /recommendation-effect/metrics/realtime
func (s *Server) handleRealtime(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Effect.Realtime(c.Query("contentType"), c.Query("algorithm")))
}

func (s *Server) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.deps.Breakers.Snapshot()})
}

// handleStats 运行时统计：缓存命中、召回线程池、任务和效果汇总
func (s *Server) handleStats(c *gin.Context) {
	out := gin.H{}
	if s.deps.Cache != nil {
		out["cache"] = s.deps.Cache.Stats()
	}
	if s.deps.RecallPool != nil {
		out["recallPool"] = s.deps.RecallPool.Stats()
	}
	if s.deps.Feedback != nil {
		out["tasks"] = s.deps.Feedback.Tasks().Counts()
	}
	if s.deps.Effect != nil {
		out["effect"] = s.deps.Effect.Totals()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleTask(c *gin.Context) {
	if s.deps.Feedback == nil {
		s.writeError(c, task.ErrTaskNotFound)
		return
	}
	t, err := s.deps.Feedback.Tasks().GetTask(c.Param("id"))
	if err != nil {
		s.log.Debug("task lookup failed", logger.String("task_id", c.Param("id")), logger.Error(err))
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}
