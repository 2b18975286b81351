package gearmand

import (
	"net/http"

	"github.com/go-martini/martini"
	"github.com/leonardolima-youdb/gearmand/driver"
	"github.com/martini-contrib/binding"
	"github.com/martini-contrib/render"
)

// JobForm is the HTTP submit form.
type JobForm struct {
	Name    string `form:"name" binding:"required"`
	Func    string `form:"func" binding:"required"`
	Args    string `form:"workload"`
	Timeout int64  `form:"timeout"`
	SchedAt int64  `form:"sched_at"`
}

// StartHTTPServer exposes a small management API next to the wire
// protocol: submit and inspect jobs, read per function stats.
func StartHTTPServer(addr string, s *Server) {
	mart := martini.Classic()
	mart.Use(render.Renderer(render.Options{
		IndentJSON: true,
	}))

	api(mart, s)

	mart.RunOnAddr(addr)
}

func api(mart *martini.ClassicMartini, s *Server) {
	mart.Post("/jobs/", binding.Bind(JobForm{}), func(j JobForm, r render.Render) {
		job := driver.Job{
			Name:    j.Name,
			Func:    j.Func,
			Args:    j.Args,
			Timeout: j.Timeout,
			SchedAt: j.SchedAt,
		}
		if err := s.submitJob(&job); err != nil {
			r.JSON(http.StatusBadRequest, map[string]string{"err": err.Error()})
			return
		}
		r.JSON(http.StatusOK, map[string]driver.Job{"job": job})
	})

	mart.Get("/status/", func(r render.Render) {
		r.JSON(http.StatusOK, map[string]interface{}{"funcs": s.StatusLines()})
	})

	mart.Get("/jobs/:func", func(params martini.Params, r render.Render) {
		jobs := s.ListJobs(params["func"])
		r.JSON(http.StatusOK, map[string][]driver.Job{"jobs": jobs})
	})

	mart.Delete("/jobs/:func/:name", func(params martini.Params, r render.Render) {
		if err := s.RemoveJob(params["func"], params["name"]); err != nil {
			r.JSON(http.StatusNotFound, map[string]string{"err": err.Error()})
			return
		}
		r.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}
