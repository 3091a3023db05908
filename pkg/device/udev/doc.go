// Package udev lists block devices and subscribes to kernel uevents through
// libudev. It is only built on Linux.
package udev
