package api

import (
	"net/http"
	"time"

	"PoemToMedia-server/models"
	"PoemToMedia-server/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 运行进度 WebSocket 推送：先发一份数据库快照，随后转发事件流。
// 运行结束（completed/failed/cancelled）后发送最终状态并关闭连接。
func RunEventsWebSocket(c *gin.Context) {
	runID := c.Param("run_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	run, err := models.GetRunByID(db, runID)
	if err != nil {
		conn.WriteJSON(map[string]interface{}{"error": "run not found: " + err.Error()})
		return
	}

	// subscribe before the snapshot so no transition slips between the two
	events, cancel := hub.Subscribe(runID)
	defer cancel()

	imageTasks, videoTasks, music, err := loadTasks(runID)
	if err != nil {
		conn.WriteJSON(map[string]interface{}{"error": err.Error()})
		return
	}
	snapshot := gin.H{
		"type":        "snapshot",
		"run":         run,
		"image_tasks": imageTasks,
		"video_tasks": videoTasks,
		"music_task":  music,
	}
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}
	if models.IsTerminalRunStatus(run.Status) {
		return
	}

	// drain client reads so close frames are noticed
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Kind == service.EventRunCompleted ||
				(ev.Kind == service.EventRunTransition && models.IsTerminalRunStatus(ev.Status)) {
				return
			}
		case <-keepalive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}
