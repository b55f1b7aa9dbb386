package models

import (
	"log"

	"bitbucket.org/mmdatafocus/storefront_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Product{}, &ProductVariant{},
		&Order{}, &OrderItem{},
		&StockMovement{}, &StockSettings{},
		&SideEffectTask{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
