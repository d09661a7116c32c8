package config

import (
	"encoding/json"
	"errors"
	"os"
)

type Config struct {
	AppName   string `json:"app_name"`
	AppPort   int    `json:"app_port"`
	DebugMode bool   `json:"debug_mode"`
	// 主站域名，token校验和画布保存接口都在主站上
	SiteDomain string `json:"site_domain"`
	BusChannel string `json:"bus_channel"`
	Redis      struct {
		Host        string `json:"host"`
		Port        uint64 `json:"port"`
		Password    string `json:"password"`
		DB          int    `json:"db"`
		DialTimeout string `json:"dial_timeout"`
		ReadTimeout string `json:"read_timeout"`
		PoolSize    int    `json:"pool_size"`
	} `json:"redis"`
	Backend struct {
		// http 或 mongodb
		Type string `json:"type"`
	} `json:"backend"`
	Database struct {
		Host               string `json:"host"`
		Port               uint64 `json:"port"`
		Username           string `json:"username"`
		Password           string `json:"password"`
		Database           string `json:"database"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
	} `json:"database"`
	Heartbeat struct {
		// 心跳间隔，每n秒检查一次
		Interval string `json:"interval"`
		// 心跳阈值，超过n秒无通讯的连接将被关闭
		Threshold string `json:"threshold"`
	} `json:"heartbeat"`
	// 画布数据落库时间间隔
	FlushInterval string `json:"flush_interval"`
}

var config Config
var initialized = false

func defaults() Config {
	var c Config
	c.AppName = "collab-broker"
	c.AppPort = 4759
	c.SiteDomain = "http://www.maoniuyun.com"
	c.BusChannel = "work_bus"
	c.Redis.Host = "127.0.0.1"
	c.Redis.Port = 6379
	c.Redis.DialTimeout = "5s"
	c.Redis.ReadTimeout = "3s"
	c.Redis.PoolSize = 64
	c.Backend.Type = "http"
	c.Heartbeat.Interval = "60s"
	c.Heartbeat.Threshold = "7200s"
	c.FlushInterval = "15s"
	return c
}

func ReadConfig() (Config, error) {
	bytes, err := os.ReadFile("config.json")

	if err != nil {
		writer, _ := os.OpenFile("config.json", os.O_WRONLY|os.O_CREATE, 0777)
		data, _ := json.MarshalIndent(defaults(), "", "\t")
		_, _ = writer.Write(data)
		_ = writer.Close()
		return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	config = defaults()
	err = json.Unmarshal(bytes, &config)

	if err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}
