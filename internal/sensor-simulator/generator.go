package sensor_simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
)

// bounds of every simulated channel, as produced by the field nodes
type channel struct {
	min, max float64
	step     float64 // stddev of one random-walk step
	decimals int
}

var channels = map[string]channel{
	"temperature":       {5, 35, 0.3, 2},
	"humidity":          {30, 90, 0.8, 2},
	"pressure":          {950, 1050, 0.5, 2},
	"wind_magnitude":    {0, 20, 0.6, 2},
	"wind_direction":    {0, 360, 8, 2},
	"pH":                {6, 9, 0.02, 2},
	"conductivity":      {100, 500, 3, 2},
	"water_temperature": {5, 30, 0.2, 2},
	"oxygen":            {5, 12, 0.05, 2},
	"imu.ax":            {-10, 10, 0.5, 2},
	"imu.ay":            {-10, 10, 0.5, 2},
	"imu.az":            {-10, 10, 0.5, 2},
}

var channelOrder = []string{
	"temperature", "humidity", "pressure", "wind_magnitude", "wind_direction",
	"pH", "conductivity", "water_temperature", "oxygen", "imu.ax", "imu.ay", "imu.az",
}

// Reading is one simulated node payload. Field order is the wire order.
type Reading struct {
	NodeID           string  `json:"node_id"`
	Temperature      float64 `json:"temperature"`
	Humidity         float64 `json:"humidity"`
	Pressure         float64 `json:"pressure"`
	WindMagnitude    float64 `json:"wind_magnitude"`
	WindDirection    float64 `json:"wind_direction"`
	PH               float64 `json:"pH"`
	Conductivity     float64 `json:"conductivity"`
	WaterTemperature float64 `json:"water_temperature"`
	Oxygen           float64 `json:"oxygen"`
	GPS              GPS     `json:"gps"`
	IMU              IMU     `json:"imu"`
	Timestamp        float64 `json:"timestamp"`
}

type GPS struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type IMU struct {
	AX float64 `json:"ax"`
	AY float64 `json:"ay"`
	AZ float64 `json:"az"`
}

// DataGenerator keeps per-channel state and moves each value by a bounded
// random walk, so consecutive readings look like one physical node.
type DataGenerator struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	nodeID string
	home   GPS
	values map[string]float64
	now    func() time.Time
}

// NewDataGenerator starts every channel at a random point of its range.
// The node's position jitters a few metres around home.
func NewDataGenerator(nodeID string, home GPS, seed int64) *DataGenerator {
	g := &DataGenerator{
		rnd:    rand.New(rand.NewSource(seed)),
		nodeID: nodeID,
		home:   home,
		values: make(map[string]float64, len(channels)),
		now:    time.Now,
	}
	for _, name := range channelOrder {
		c := channels[name]
		g.values[name] = c.min + g.rnd.Float64()*(c.max-c.min)
	}
	return g
}

// Next advances the walk and returns the new reading.
func (g *DataGenerator) Next() Reading {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, name := range channelOrder {
		c := channels[name]
		v := g.values[name] + g.rnd.NormFloat64()*c.step
		if name == "wind_direction" {
			v = math.Mod(v+360, 360)
		}
		g.values[name] = clamp(v, c.min, c.max)
	}
	get := func(name string) float64 {
		return round(g.values[name], channels[name].decimals)
	}

	return Reading{
		NodeID:           g.nodeID,
		Temperature:      get("temperature"),
		Humidity:         get("humidity"),
		Pressure:         get("pressure"),
		WindMagnitude:    get("wind_magnitude"),
		WindDirection:    get("wind_direction"),
		PH:               get("pH"),
		Conductivity:     get("conductivity"),
		WaterTemperature: get("water_temperature"),
		Oxygen:           get("oxygen"),
		GPS: GPS{
			Lat: round(clamp(g.home.Lat+g.rnd.NormFloat64()*1e-5, -90, 90), 6),
			Lon: round(clamp(g.home.Lon+g.rnd.NormFloat64()*1e-5, -180, 180), 6),
		},
		IMU: IMU{
			AX: get("imu.ax"),
			AY: get("imu.ay"),
			AZ: get("imu.az"),
		},
		Timestamp: model.Seconds(g.now()),
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func round(x float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(x*p) / p
}
