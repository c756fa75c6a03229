package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"sitewatch/config"
	"sitewatch/detect"
	"sitewatch/pipeline"
	"sitewatch/postprocess"
)

var (
	helmetModel  = flag.String("helmet", "", "Model path for the helmet detection task")
	flameModel   = flag.String("flame", "", "Model path for the flame detection task")
	smokingModel = flag.String("smoking", "", "Model path for the smoking detection task")
	faceModel    = flag.String("face", "", "Model path for the face detection task")
	meterModel   = flag.String("meter", "", "Model path for the meter detection task")

	cameraID     = flag.Int("camera", 0, "Preferred capture device id")
	bufferDepth  = flag.Int("buffer", 5, "Per-consumer queue depth")
	width        = flag.Int("width", 640, "Capture width")
	height       = flag.Int("height", 480, "Capture height")
	fps          = flag.Int("fps", 30, "Capture frame rate")
	sharedCamera = flag.Bool("shared-camera", false, "Coordinate device access across processes via a pid lock file")

	configPath  = flag.String("config", "", "Optional TOML configuration file")
	metricsAddr = flag.String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9201)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

// taskFlags keeps the CLI order stable so windows and status lines come out
// the same way every run.
var taskFlags = []struct {
	name  string
	model *string
}{
	{"helmet", helmetModel},
	{"flame", flameModel},
	{"smoking", smokingModel},
	{"face", faceModel},
	{"meter", meterModel},
}

func main() {
	flag.Parse()

	opts, err := buildOptions()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintf(os.Stderr, "usage: %s --<task> <model-path> [--camera N] [--buffer N]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "tasks: %v\n", postprocess.TaskNames())
		os.Exit(1)
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	system, err := pipeline.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := system.Init(); err != nil {
		log.WithError(err).Error("initialization failed")
		os.Exit(1)
	}

	if err := system.Run(); err != nil {
		log.WithError(err).Error("pipeline failed")
		os.Exit(1)
	}
}

// buildOptions merges the config file (if any) under the flags.
func buildOptions() (pipeline.Options, error) {
	var file *config.File
	if *configPath != "" {
		f, err := config.Load(*configPath)
		if err != nil {
			return pipeline.Options{}, err
		}
		file = f
		applyFileDefaults(f)
	}

	var tasks []detect.TaskConfig
	for _, t := range taskFlags {
		model := *t.model
		if model == "" && file != nil {
			model = file.Tasks[t.name]
		}
		if model != "" {
			tasks = append(tasks, detect.TaskConfig{Name: t.name, ModelPath: model})
		}
	}
	if len(tasks) == 0 {
		return pipeline.Options{}, fmt.Errorf("at least one detection task is required")
	}

	return pipeline.Options{
		CameraID:     *cameraID,
		Width:        *width,
		Height:       *height,
		FPS:          *fps,
		Buffer:       *bufferDepth,
		Tasks:        tasks,
		MetricsAddr:  *metricsAddr,
		SharedCamera: *sharedCamera,
	}, nil
}

// applyFileDefaults copies file values into any flag the user did not set.
func applyFileDefaults(f *config.File) {
	setInt := func(name string, dst *int, v int) {
		if v != 0 && !flag.CommandLine.Changed(name) {
			*dst = v
		}
	}
	setInt("camera", cameraID, f.Camera)
	setInt("buffer", bufferDepth, f.Buffer)
	setInt("width", width, f.Width)
	setInt("height", height, f.Height)
	setInt("fps", fps, f.FPS)

	if f.MetricsAddr != "" && !flag.CommandLine.Changed("metrics-addr") {
		*metricsAddr = f.MetricsAddr
	}
	if f.LogLevel != "" && !flag.CommandLine.Changed("log-level") {
		*logLevel = f.LogLevel
	}
	if f.SharedCamera && !flag.CommandLine.Changed("shared-camera") {
		*sharedCamera = true
	}
}
