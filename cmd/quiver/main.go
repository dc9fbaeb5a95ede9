package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-quiver/internal/comm/flightcomm"
	"github.com/23skdu/longbow-quiver/internal/sink"
	"github.com/23skdu/longbow-quiver/internal/table"
)

var (
	algoName      = flag.String("algo", "basicstats", "Algorithm (covariance, basicstats, linreg)")
	policyName    = flag.String("policy", envOr("QUIVER_POLICY", "host"), "Execution policy (host, device, spmd-host, spmd-device)")
	ranks         = flag.Int("ranks", 2, "Simulated ranks for spmd policies without -hub")
	blocks        = flag.Int("blocks", 1, "Feed moments through the online protocol in N row blocks")
	inputPath     = flag.String("input", "", "Arrow IPC stream to read (synthetic data when empty)")
	columns       = flag.String("columns", "", "Comma separated input columns to keep")
	target        = flag.String("target", "", "Response column for linreg (default: last column)")
	synthRows     = flag.Int("rows", 10000, "Synthetic rows")
	synthCols     = flag.Int("cols", 4, "Synthetic columns")
	seed          = flag.Uint64("seed", 1, "Synthetic data seed")
	queueDepth    = flag.Int("queue-depth", 4, "In-flight kernels per device queue")
	maxInput      = flag.String("max-input", "1GB", "Largest accepted input file (e.g. 512MB, 2GiB)")
	outputPath    = flag.String("output", "-", "Where to write the result as Arrow IPC (- for stdout, empty to skip)")
	hubAddr       = flag.String("hub", "", "Flight hub address for multi-process spmd runs")
	groupName     = flag.String("group", "quiver", "Communicator group name on the hub")
	rank          = flag.Int("rank", 0, "This process's rank in the hub group")
	size          = flag.Int("size", 1, "Ranks in the hub group")
	serveHub      = flag.String("serve-hub", "", "Run a Flight hub on this address and exit on signal")
	metricsAddr   = flag.String("metrics", "", "Address to serve /metrics on (e.g. :9100)")
	listenAddr    = flag.String("listen", "", "Address to listen on for the HTTP API (e.g. :8080)")
	maxConcurrent = flag.String("max-concurrent", "1000000", "Input rows admitted concurrently by the HTTP API")
	sinkAddr      = flag.String("sink", "", "Flight server to publish results to")
	datasetName   = flag.String("dataset", "quiver_results", "Dataset path for published results")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() {
			_ = shutdown(context.Background())
		}()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	if *serveHub != "" {
		if err := runHub(ctx, *serveHub); err != nil {
			log.Fatal().Err(err).Msg("Hub failed")
		}
		return
	}

	choice, err := parsePolicy(*policyName)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid policy")
	}

	var pub *sink.Publisher
	if *sinkAddr != "" {
		pub, err = sink.NewPublisher(*sinkAddr, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create sink publisher")
		}
		defer func() {
			if err := pub.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close sink publisher")
			}
		}()
		log.Info().Str("addr", *sinkAddr).Str("dataset", *datasetName).Msg("Publishing results")
	}

	if *listenAddr != "" {
		if choice.distributed {
			log.Fatal().Str("policy", choice.String()).Msg("The HTTP API runs single-process policies only")
		}
		admit, err := parseAdmission(*maxConcurrent)
		if err != nil {
			log.Fatal().Err(err).Str("max_concurrent", *maxConcurrent).Msg("Invalid admission budget")
		}
		p, release := choice.local("quiver-server", *queueDepth)
		defer release()
		var rp ResultPublisher
		if pub != nil {
			rp = pub
		}
		if err := startServer(*listenAddr, NewServer(p, rp, admit)); err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
		return
	}

	data, err := loadInput()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load input")
	}
	rows, cols := data.Dims()

	cfg := config{
		job:        job{algo: *algoName, blocks: *blocks, target: *target},
		policy:     choice,
		ranks:      *ranks,
		queueDepth: *queueDepth,
		hub:        *hubAddr,
		group:      *groupName,
		rank:       *rank,
		size:       *size,
	}

	start := time.Now()
	res, err := execute(ctx, cfg, data)
	if err != nil {
		log.Fatal().Err(err).Str("algo", *algoName).Str("policy", choice.String()).Msg("Run failed")
	}
	elapsed := time.Since(start)
	log.Info().
		Str("algo", *algoName).
		Str("policy", choice.String()).
		Int("rows", rows).
		Int("cols", cols).
		Dur("elapsed", elapsed).
		Str("throughput", humanize.SIWithDigits(float64(rows)/elapsed.Seconds(), 1, "rows/s")).
		Msg("Run complete")

	if pub != nil {
		sendCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		err := pub.Publish(sendCtx, *datasetName, res)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Publishing result failed")
		}
	}

	if err := writeOutput(*outputPath, res); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func runHub(ctx context.Context, addr string) error {
	hub := flightcomm.NewHub()
	if err := hub.Start(addr); err != nil {
		return err
	}
	log.Info().Str("addr", hub.Addr().String()).Msg("Serving communicator hub")
	<-ctx.Done()
	hub.Shutdown()
	return nil
}

// parseAdmission parses the HTTP API's row budget, a plain positive count.
func parseAdmission(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("max-concurrent: %w", err)
	}
	if n < 1 {
		return 0, fmt.Errorf("max-concurrent must be at least 1 row, got %d", n)
	}
	return n, nil
}

func loadInput() (*table.Host, error) {
	if *inputPath == "" {
		return synthetic(*synthRows, *synthCols, *seed)
	}
	limit, err := humanize.ParseBytes(*maxInput)
	if err != nil {
		return nil, fmt.Errorf("max-input: %w", err)
	}
	h, err := readInput(*inputPath, limit)
	if err != nil {
		return nil, err
	}
	if *columns == "" {
		return h, nil
	}
	return table.Select(h, splitList(*columns)...)
}

func readInput(path string, limit uint64) (*table.Host, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if uint64(info.Size()) > limit {
		return nil, fmt.Errorf("%s is %s, over the %s limit", path, humanize.IBytes(uint64(info.Size())), humanize.IBytes(limit))
	}
	log.Debug().Str("path", path).Str("size", humanize.IBytes(uint64(info.Size()))).Msg("Reading input")
	return table.ReadIPC(f, memory.NewGoAllocator())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// synthetic draws correlated columns: column j mixes a shared factor with
// independent noise, so covariance and regression outputs are non-trivial.
func synthetic(rows, cols int, seed uint64) (*table.Host, error) {
	if rows < 0 || cols < 1 {
		return nil, fmt.Errorf("%w: synthetic %dx%d", table.ErrShape, rows, cols)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		shared := rng.NormFloat64()
		for j := 0; j < cols; j++ {
			data[i*cols+j] = float64(j+1)*shared + rng.NormFloat64() + float64(j)
		}
	}
	h, err := table.NewHost(data, rows, cols)
	if err != nil {
		return nil, err
	}
	return h.WithNames(columnNames("x", cols)...)
}

func writeOutput(path string, res *table.Host) error {
	var w io.Writer
	switch path {
	case "":
		return nil
	case "-":
		w = os.Stdout
	default:
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	err := table.WriteIPC(w, memory.NewGoAllocator(), res)
	if errors.Is(err, syscall.EPIPE) {
		return nil
	}
	return err
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("quiver"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
