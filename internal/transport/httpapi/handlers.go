package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"jobpipe/internal/jobs"
	"jobpipe/internal/pipeline"
	"jobpipe/internal/storage"
)

func owner(c echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get(HeaderOwner))
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad %s %q", pipeline.ErrInvalidSpec, name, c.Param(name))
	}
	return id, nil
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrInvalidSpec, err)
	}
	return nil
}

// visibleJob loads the Job and hides it from callers of another owner.
func (s *Server) visibleJob(c echo.Context) (jobs.Detail, error) {
	id, err := pathID(c, "id")
	if err != nil {
		return jobs.Detail{}, err
	}
	d, err := s.jobs.GetJob(c.Request().Context(), id)
	if err != nil {
		return jobs.Detail{}, err
	}
	return d, checkOwner(c, d.Job)
}

func checkOwner(c echo.Context, j pipeline.Job) error {
	if o := owner(c); o != "" && j.Owner != o {
		return fmt.Errorf("job %d: %w", j.ID, pipeline.ErrNotFound)
	}
	return nil
}

func (s *Server) createJob(c echo.Context) error {
	var spec pipeline.JobSpec
	if err := bind(c, &spec); err != nil {
		return err
	}
	if o := owner(c); o != "" {
		spec.Owner = o
	}
	d, err := s.jobs.CreateJob(c.Request().Context(), spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, d)
}

func (s *Server) listJobs(c echo.Context) error {
	f := storage.JobFilter{Owner: owner(c)}
	if f.Owner == "" {
		f.Owner = strings.TrimSpace(c.QueryParam("owner"))
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := pipeline.ParseStatus(part)
			if err != nil {
				return err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if raw := c.QueryParam(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return fmt.Errorf("%w: bad %s %q", pipeline.ErrInvalidSpec, name, raw)
			}
			*dst = n
		}
	}
	list, err := s.jobs.ListJobs(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if list == nil {
		list = []pipeline.Job{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) getJob(c echo.Context) error {
	d, err := s.visibleJob(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) getJobByRef(c echo.Context) error {
	d, err := s.jobs.GetJobByRef(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return err
	}
	if err := checkOwner(c, d.Job); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) updateJob(c echo.Context) error {
	d, err := s.visibleJob(c)
	if err != nil {
		return err
	}
	var upd pipeline.JobUpdate
	if err := bind(c, &upd); err != nil {
		return err
	}
	j, err := s.jobs.UpdateJob(c.Request().Context(), d.ID, upd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, j)
}

func (s *Server) deleteJob(c echo.Context) error {
	d, err := s.visibleJob(c)
	if err != nil {
		return err
	}
	if err := s.jobs.DeleteJob(c.Request().Context(), d.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type actionRequest struct {
	Action string `json:"action"`
}

func (s *Server) parseAction(c echo.Context) (pipeline.Action, error) {
	var req actionRequest
	if err := bind(c, &req); err != nil {
		return "", err
	}
	return pipeline.ParseAction(req.Action)
}

func (s *Server) jobAction(c echo.Context) error {
	d, err := s.visibleJob(c)
	if err != nil {
		return err
	}
	action, err := s.parseAction(c)
	if err != nil {
		return err
	}
	out, err := s.jobs.JobAction(c.Request().Context(), d.ID, action)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) listTasks(c echo.Context) error {
	d, err := s.visibleJob(c)
	if err != nil {
		return err
	}
	tasks := d.Tasks
	if tasks == nil {
		tasks = []pipeline.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) taskIDs(c echo.Context) (int64, int64, error) {
	d, err := s.visibleJob(c)
	if err != nil {
		return 0, 0, err
	}
	taskID, err := pathID(c, "task_id")
	return d.ID, taskID, err
}

func (s *Server) getTask(c echo.Context) error {
	jobID, taskID, err := s.taskIDs(c)
	if err != nil {
		return err
	}
	t, err := s.jobs.GetTask(c.Request().Context(), jobID, taskID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) taskAction(c echo.Context) error {
	jobID, taskID, err := s.taskIDs(c)
	if err != nil {
		return err
	}
	action, err := s.parseAction(c)
	if err != nil {
		return err
	}
	t, err := s.jobs.TaskAction(c.Request().Context(), jobID, taskID, action)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) cancelAll(c echo.Context) error {
	n, err := s.jobs.CancelAll(c.Request().Context(), owner(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) exportJob(c echo.Context) error {
	d, err := s.visibleJob(c)
	if err != nil {
		return err
	}
	if s.export == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "export disabled")
	}
	b, err := s.export.JobXLSX(c.Request().Context(), d.ID)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", "job-"+d.ExternalRef+".xlsx"))
	return c.Blob(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", b)
}

