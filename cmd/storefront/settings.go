package main

type Settings struct {
	Port             int    `env:"PORT,default=8090"`
	BasePath         string `env:"BASE_PATH,default=/storefront"`
	NotificationsURL string `env:"NOTIFICATIONS_URL,default=ws://localhost:8082/ws"`
	OrderServiceURL  string `env:"ORDER_SERVICE_URL,default=http://localhost:8082/api"`
	JWTSecret        string `env:"JWT_SECRET,required=true"`
	BearerToken      string `env:"BEARER_TOKEN"`
	MongoURI         string `env:"MONGO_URI"`
	LogEncoding      string `env:"LOG_ENCODING,default=console"`
}
