// Package led keeps the colour of each device's RGB indicator.
//
// Colours are stored in device_led_config and pushed to the device as a
// fire-and-forget set_led command. Restore re-sends every stored colour,
// which main does once the bus is up so devices that rebooted while the
// backend was down get their colour back.
package led
