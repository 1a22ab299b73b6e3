// mockgateway fakes the two HTTP backends the pipeline talks to: the
// metric aggregation gateway polled by the access stage and the notice
// gateway behind the dispatch "notice" plugin. Useful for running the
// whole pipeline locally against synthetic data.
package main

import (
	"encoding/json"
	"flag"
	"math"
	"math/rand"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/alertpipe/alertpipe/internal/model"
)

var (
	addr     = flag.String("addr", ":10205", "listen address")
	baseline = flag.Float64("baseline", 50, "series baseline value")
	spike    = flag.Float64("spike", 0, "probability per point of an anomalous spike")
	hosts    = flag.Int("hosts", 3, "number of fake hosts per series")
)

type queryRequest struct {
	MetricID   string   `json:"metric_id"`
	Field      string   `json:"metric_field"`
	Interval   int      `json:"agg_interval"`
	Dimensions []string `json:"agg_dimension"`
	Start      int64    `json:"start_time"`
	End        int64    `json:"end_time"`
}

func main() {
	flag.Parse()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/query_data", queryData)
	r.POST("/send", send)

	log.Info().Str("addr", *addr).Msg("mock gateway listening")
	if err := r.Run(*addr); err != nil {
		log.Fatal().Err(err).Msg("mock gateway failed")
	}
}

// queryData answers range queries with a noisy sine wave per host, with
// optional random spikes so threshold strategies have something to bite.
func queryData(c *gin.Context) {
	var q queryRequest
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"result": false, "message": err.Error()})
		return
	}
	interval := int64(q.Interval)
	if interval <= 0 {
		interval = 60
	}
	var records []model.RawRecord
	for ts := q.Start - q.Start%interval; ts <= q.End; ts += interval {
		for h := 0; h < *hosts; h++ {
			v := *baseline + 10*math.Sin(float64(ts)/600) + rand.Float64()*5
			if *spike > 0 && rand.Float64() < *spike {
				v *= 3
			}
			records = append(records, model.RawRecord{
				Time:     ts,
				Value:    v,
				MetricID: q.MetricID,
				Dimensions: map[string]string{
					"bk_target_ip":       hostIP(h),
					"bk_target_cloud_id": "0",
				},
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"result": true, "data": records})
}

// send logs the notification and acknowledges it.
func send(c *gin.Context) {
	var payload map[string]json.RawMessage
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"result": false, "message": err.Error()})
		return
	}
	log.Info().
		RawJSON("receivers", orNull(payload["receivers"])).
		RawJSON("title", orNull(payload["title"])).
		RawJSON("signal", orNull(payload["signal"])).
		Msg("notice delivered")
	c.JSON(http.StatusOK, gin.H{"result": true, "message": "sent"})
}

func orNull(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage("null")
	}
	return raw
}

func hostIP(h int) string {
	return "10.0.0." + strconv.Itoa(h+1)
}
