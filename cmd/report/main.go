package main

import (
	"flag"
	"log"

	"github.com/PatchLens/go-lumos/lumos"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	reportJsonFile := flag.String("json", "lumosreport.json", "File containing rewrite details")
	reportChartsFile := flag.String("charts", "lumosreport.png", "File to output rewrite overview chart image")
	flag.Parse()

	metrics, err := lumos.ReadReportMetrics(*reportJsonFile)
	if err != nil {
		log.Fatalf("%sFailed to load report: %v", lumos.ErrorLogPrefix, err)
	}
	if err := lumos.WriteReportCharts(*reportChartsFile, metrics); err != nil {
		log.Fatalf("%sFailed to write chart file: %v", lumos.ErrorLogPrefix, err)
	}
	log.Println("Report file wrote: " + *reportChartsFile)
}
