package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/PatchLens/go-logcall/logcall"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	reportJsonFile := flag.String("json", "logcall-report.json", "Report written by logcall rewrite --report")
	reportChartsFile := flag.String("charts", "logcall-report.png", "File to output the run overview chart image")
	flag.Parse()

	data, err := os.ReadFile(*reportJsonFile)
	if err != nil {
		log.Fatalf("%sFailed to read report: %v", logcall.ErrorLogPrefix, err)
	}
	var metrics logcall.ReportMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		log.Fatalf("%sFailed to unmarshal report: %v", logcall.ErrorLogPrefix, err)
	}

	charts, err := logcall.RenderReportChartsFromJson(metrics)
	if err != nil {
		log.Fatalf("%sFailed to render charts: %v", logcall.ErrorLogPrefix, err)
	}
	if err = os.WriteFile(*reportChartsFile, charts, 0644); err != nil {
		log.Fatalf("%sFailed to write chart file: %v", logcall.ErrorLogPrefix, err)
	}
	log.Println("Report file wrote: " + *reportChartsFile)
}
