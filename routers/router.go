package routers

import (
	"PoemToMedia-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/runs", api.CreateRun)
		v1.GET("/runs", api.ListRuns)
		v1.GET("/runs/:run_id", api.GetRun)
		v1.DELETE("/runs/:run_id", api.DeleteRun)
		v1.POST("/runs/:run_id/cancel", api.CancelRun)
		v1.GET("/runs/:run_id/tasks", api.GetRunTasks)
		v1.POST("/runs/:run_id/tasks/:task_id/retry", api.RetryRunItem)
	}
	r.GET("/runs/:run_id/wss", api.RunEventsWebSocket)
	return r
}
